package main

import (
	"context"
	"errors"
	"fmt"

	"pagepilot/internal/browser"
	"pagepilot/internal/bus"
	"pagepilot/internal/command"
	"pagepilot/internal/config"
	"pagepilot/internal/correlation"
	"pagepilot/internal/decision"
	"pagepilot/internal/dom"
	"pagepilot/internal/effects"
	"pagepilot/internal/indexer"
	"pagepilot/internal/input"
	"pagepilot/internal/layout"
	"pagepilot/internal/loop"
	"pagepilot/internal/mangle"
	mcpserver "pagepilot/internal/mcp"
	"pagepilot/internal/metrics"
	"pagepilot/internal/recorder"
	"pagepilot/internal/tours"

	"github.com/go-rod/rod"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// page is what the assistant core needs from the page it is attached to.
type page interface {
	dom.Host
	dom.Snapshotter
}

// app holds every wired component of one assistant process.
type app struct {
	cfg config.Config
	log *zap.Logger

	loop     *loop.Loop
	metrics  *metrics.Metrics
	bus      *bus.Bus
	engine   *mangle.Engine
	recorder *recorder.Recorder

	sessions *browser.SessionManager
	page     *rod.Page
	pageHost *browser.PageHost
	bridge   *browser.Bridge
	host     page

	httpClient *decision.HTTPClient
	stream     *decision.StreamClient

	index   *indexer.Indexer
	input   *input.Observer
	effects *effects.Manager
	tour    *effects.Tour
	interp  *command.Interpreter
	layout  *layout.Orchestrator
	catalog *tours.Catalog
	server  *mcpserver.Server
}

// buildApp wires the components. Nothing runs until run is called, except
// the browser which is launched and navigated when auto-start is enabled.
func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &app{cfg: cfg, log: logger}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) (err error) {
	cfg, logger := a.cfg, a.log

	a.loop = loop.New(logger)
	a.metrics = metrics.New()
	a.bus = bus.New(bus.Options{
		Logger:      logger,
		Metrics:     a.metrics,
		HistorySize: cfg.Assistant.BusHistory,
		Now:         a.loop.Now,
	})

	if a.engine, err = mangle.NewEngine(cfg.Mangle, logger); err != nil {
		return fmt.Errorf("initialize mangle engine: %w", err)
	}

	if cfg.Recorder.Enabled {
		if a.recorder, err = recorder.New(cfg.Recorder.Dir, cfg.Recorder.MaxFiles, logger); err != nil {
			return fmt.Errorf("initialize recorder: %w", err)
		}
		if err = a.recorder.Start(uuid.NewString()); err != nil {
			return fmt.Errorf("start recorder: %w", err)
		}
		a.bus.AddMirror(a.recorder)
	}

	if err = a.attachPage(ctx); err != nil {
		return err
	}

	fwd, err := a.decisionForwarder()
	if err != nil {
		return err
	}

	ac := cfg.Assistant
	a.index = indexer.New(a.host, a.bus, a.loop, indexer.Options{
		Logger:      logger,
		Metrics:     a.metrics,
		Facts:       a.engine,
		Source:      a.host,
		RescanDelay: ac.Rescan(),
		OnScan:      func(root *dom.Node) { a.input.Attach(root) },
	})
	a.input = input.New(a.bus, a.loop, input.Options{
		Logger:            logger,
		Metrics:           a.metrics,
		Forwarder:         fwd,
		Facts:             a.engine,
		Source:            a.host,
		Debounce:          ac.Debounce(),
		MinLength:         ac.MinInputLength,
		SensitiveKeywords: ac.GetSensitiveKeywords(),
	})
	a.effects = effects.NewManager(a.host, a.index, a.bus, a.loop, effects.Options{
		Logger:     logger,
		Metrics:    a.metrics,
		Duration:   ac.Effect(),
		AutoScroll: ac.AutoScroll,
	})
	a.tour = effects.NewTour(a.effects)
	a.interp = command.NewInterpreter(a.bus, a.loop, a.effects, command.Options{
		Logger:      logger,
		Metrics:     a.metrics,
		Facts:       a.engine,
		Pacing:      ac.Pacing(),
		HistorySize: ac.ExecutionHistory,
	})
	a.layout = layout.New(a.bus, a.host, a.index, a.loop, layout.Options{
		Logger:      logger,
		ResizeDelay: ac.Resize(),
	})

	a.catalog = tours.NewCatalog(cfg.Tours.Dir, logger)
	if err = a.catalog.Load(); err != nil {
		return fmt.Errorf("load tours: %w", err)
	}
	a.catalog.OnReload(func(names []string) {
		a.loop.Post(func() { a.bus.Emit(bus.TopicToursLoaded, names) })
	})

	if a.pageHost != nil {
		a.bridge = browser.NewBridge(a.loop, a.handlers(), browser.BridgeOptions{
			Logger:   logger,
			Throttle: cfg.Browser.EventThrottle(),
			Observed: a.input.Attached,
		})
		if err = a.bridge.Install(a.page); err != nil {
			return fmt.Errorf("install page bridge: %w", err)
		}
	}

	a.server, err = mcpserver.NewServer(cfg, mcpserver.Components{
		Loop:        a.loop,
		Bus:         a.bus,
		Indexer:     a.index,
		Interpreter: a.interp,
		Effects:     a.effects,
		Tour:        a.tour,
		Layout:      a.layout,
		Engine:      a.engine,
		Tours:       a.catalog,
		Metrics:     a.metrics,
		Browser:     a.sessions,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize MCP server: %w", err)
	}
	return nil
}

// attachPage opens the start page in Chrome when auto-start is enabled.
// Otherwise the core runs against an empty in-memory document.
func (a *app) attachPage(ctx context.Context) error {
	bc := a.cfg.Browser
	if !bc.AutoStart {
		a.log.Info("browser auto-start disabled; assisting an empty document")
		a.host = dom.NewDocument(dom.NewNode("body", nil),
			float64(bc.GetViewportWidth()), float64(bc.GetViewportHeight()))
		return nil
	}

	a.sessions = browser.NewSessionManager(bc, a.log)
	if err := a.sessions.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	url := bc.StartURL
	if url == "" {
		url = "about:blank"
	}
	_, p, err := a.sessions.CreateSession(ctx, url)
	if err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	a.page = p
	a.pageHost = browser.NewPageHost(p, a.log, 0)
	if err := a.pageHost.Install(); err != nil {
		return fmt.Errorf("install page host: %w", err)
	}
	a.bus.AddMirror(a.pageHost)
	a.host = a.pageHost
	return nil
}

func (a *app) decisionForwarder() (decision.Forwarder, error) {
	dc := a.cfg.Decision
	opts := decision.ClientOptions{
		Logger:  a.log,
		Metrics: a.metrics,
		Tracker: correlation.NewTracker(dc.TrackerLimit),
		Timeout: dc.RequestTimeout(),
		Headers: dc.Headers,
	}
	deliver := decision.EmitOnLoop(a.loop, a.bus)

	switch dc.Transport {
	case config.TransportHTTP:
		a.httpClient = decision.NewHTTPClient(dc.Endpoint, deliver, opts)
		return a.httpClient, nil
	case config.TransportStream:
		a.stream = decision.NewStreamClient(dc.Endpoint, deliver, opts)
		return a.stream, nil
	case config.TransportNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown decision transport %q", dc.Transport)
	}
}

// handlers routes page events into the core. They run on the loop.
func (a *app) handlers() browser.Handlers {
	return browser.Handlers{
		Focus:    a.input.HandleFocus,
		Input:    a.input.HandleInput,
		Blur:     a.input.HandleBlur,
		Mutation: a.index.NotifyMutation,
		Control: func(overlay, action string) {
			if overlay == effects.TourOverlayID {
				a.tour.Control(action)
				return
			}
			a.effects.Dismiss(overlay)
		},
		Persistence: func(signal string, detail interface{}) {
			topic, ok := bus.PersistenceTopic(signal)
			if !ok {
				a.log.Debug("unknown persistence signal", zap.String("signal", signal))
				return
			}
			a.bus.Emit(topic, detail)
		},
	}
}

// start indexes the page and attaches the observer. Must run on the loop.
func (a *app) start(ctx context.Context) error {
	a.interp.Start(ctx)
	a.layout.Start()

	root, err := a.host.Snapshot()
	if err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	n := a.index.Scan(root)
	a.log.Info("assistant attached", zap.Int("elements", n), zap.Int("fields", len(a.input.Fields())))
	return nil
}

// run drives the loop and every background component until ctx ends or
// serve returns.
func (a *app) run(ctx context.Context, serve func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.loop.Run(ctx) })

	var startErr error
	if err := a.loop.Do(ctx, func() { startErr = a.start(ctx) }); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	if startErr != nil {
		cancel()
		_ = g.Wait()
		return startErr
	}

	if a.pageHost != nil {
		g.Go(func() error { return a.pageHost.Run(ctx) })
	}
	if a.stream != nil {
		g.Go(func() error { return a.stream.Run(ctx) })
	}
	if a.cfg.Tours.Watch && a.cfg.Tours.Dir != "" {
		g.Go(func() error {
			if err := a.catalog.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("tour catalog watch stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return serve(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// close releases components in reverse wiring order.
func (a *app) close() {
	if a.interp != nil {
		a.interp.Close()
	}
	if a.layout != nil {
		a.layout.Close()
	}
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			a.log.Debug("bridge close", zap.Error(err))
		}
	}
	if a.httpClient != nil {
		a.httpClient.Close()
	}
	if a.sessions != nil {
		if err := a.sessions.Shutdown(context.Background()); err != nil {
			a.log.Warn("browser shutdown", zap.Error(err))
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Warn("recorder close", zap.Error(err))
		}
	}
}
