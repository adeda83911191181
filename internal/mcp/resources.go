package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"pagepilot://about",
			"PagePilot About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info and the registered tools."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"pagepilot://state",
			"Assistant State",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Shared assistant state: layout, index readiness, busy flag and last input."),
		),
		s.handleStateResource,
	)

	if s.c.Engine != nil {
		s.mcpServer.AddResourceTemplate(
			mcp.NewResourceTemplate(
				"pagepilot://facts/{predicate}{?limit}",
				"Facts",
				mcp.WithTemplateMIMEType(resourceMIMEJSON),
				mcp.WithTemplateDescription("Most recent stored facts of one predicate."),
			),
			s.handleFactsResource,
		)
	}
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	payload := map[string]interface{}{
		"name":         s.cfg.Server.Name,
		"version":      s.cfg.Server.Version,
		"tools":        names,
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleStateResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	state, err := onLoop(ctx, s.c.Loop, func() (interface{}, error) {
		return s.c.Bus.GetState(), nil
	})
	if err != nil {
		return nil, err
	}
	return jsonContents(request.Params.URI, state)
}

func (s *Server) handleFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	predicate := argString(request.Params.Arguments["predicate"])
	if predicate == "" {
		return nil, errors.New("missing predicate")
	}
	limit := limitOf(asInt(request.Params.Arguments["limit"]), 25, 500)
	facts := s.c.Engine.FactsByPredicate(predicate)

	payload := map[string]interface{}{
		"predicate": predicate,
		"limit":     limit,
		"count":     len(facts),
		"facts":     tail(facts, limit),
	}
	return jsonContents(request.Params.URI, payload)
}
