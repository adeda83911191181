package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"pagepilot/internal/browser"
	"pagepilot/internal/bus"
	"pagepilot/internal/command"
	"pagepilot/internal/config"
	"pagepilot/internal/effects"
	"pagepilot/internal/indexer"
	"pagepilot/internal/layout"
	"pagepilot/internal/mangle"
	"pagepilot/internal/metrics"
	"pagepilot/internal/tours"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Runner runs fn on the assistant loop and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// Components are the assistant parts the tools drive. Loop and Bus are
// required; a nil component disables the tools that need it.
type Components struct {
	Loop        Runner
	Bus         *bus.Bus
	Indexer     *indexer.Indexer
	Interpreter *command.Interpreter
	Effects     *effects.Manager
	Tour        *effects.Tour
	Layout      *layout.Orchestrator
	Engine      *mangle.Engine
	Tours       *tours.Catalog
	Metrics     *metrics.Metrics
	Browser     *browser.SessionManager
}

// Server wires the MCP runtime to the assistant core.
type Server struct {
	cfg       config.Config
	c         Components
	log       *zap.Logger
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the MCP server and registers the assistant tools.
func NewServer(cfg config.Config, c Components, logger *zap.Logger) (*Server, error) {
	if c.Loop == nil || c.Bus == nil {
		return nil, errors.New("mcp: loop and bus are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		c:         c,
		log:       logger.Named("mcp"),
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start serves the tool protocol over stdio until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Handler returns the SSE router: /sse, /message and /metrics behind CORS.
func (s *Server) Handler(baseURL string) http.Handler {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL(baseURL))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.cfg.MCP.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Handle("/sse", sseServer.SSEHandler())
	r.Handle("/message", sseServer.MessageHandler())
	if s.c.Metrics != nil {
		r.Handle("/metrics", s.c.Metrics.Handler())
	}
	return r
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           s.Handler("http://localhost:" + strconv.Itoa(port)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("sse server listening", zap.Int("port", port))

	select {
	case <-ctx.Done():
		s.log.Info("sse server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(ctx, args)
}

func (s *Server) registerAllTools() {
	c := s.c
	if c.Indexer != nil {
		s.registerTool(&PageIndexTool{run: c.Loop, index: c.Indexer})
	}
	if c.Interpreter != nil {
		s.registerTool(&AssistantCommandTool{run: c.Loop, interp: c.Interpreter, bus: c.Bus})
	}
	if c.Tour != nil {
		s.registerTool(&GuidedTourTool{run: c.Loop, tour: c.Tour, catalog: c.Tours})
	}
	s.registerTool(&AssistantStateTool{c: c})
	if c.Engine != nil {
		s.registerTool(&QueryFactsTool{engine: c.Engine})
	}
	if c.Layout != nil {
		s.registerTool(&LayoutToggleTool{run: c.Loop, layout: c.Layout, bus: c.Bus})
	}
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.log.Debug("tool failed", zap.String("tool", tool.Name()), zap.Error(err))
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
