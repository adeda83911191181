// Package recorder writes bus traffic to rotating JSONL trace files.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pagepilot/internal/bus"

	"go.uber.org/zap"
)

const (
	DefaultMaxFiles = 3
	DefaultDir      = "data/traces"
)

// Record is one line of a trace file.
type Record struct {
	Timestamp time.Time   `json:"ts"`
	Topic     string      `json:"topic"`
	SessionID string      `json:"session_id,omitempty"`
	Payload   interface{} `json:"payload"`
}

// Recorder mirrors every bus event into the current trace file.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	encoder   *json.Encoder
	dir       string
	maxFiles  int
	sessionID string
	written   int
	log       *zap.Logger
}

// New creates a recorder writing into dir, keeping at most maxFiles traces.
func New(dir string, maxFiles int, logger *zap.Logger) (*Recorder, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &Recorder{dir: dir, maxFiles: maxFiles, log: logger.Named("recorder")}, nil
}

// Start opens a new trace for sessionID, rotating old traces out.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}
	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("trace_%s_%d.jsonl", sessionID, time.Now().UnixMilli())
	f, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	r.sessionID = sessionID
	r.written = 0
	r.log.Debug("trace started", zap.String("file", name))
	return nil
}

// Mirror implements bus.Mirror.
func (r *Recorder) Mirror(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	rec := Record{Timestamp: ev.Timestamp, Topic: ev.Topic, SessionID: r.sessionID, Payload: ev.Payload}
	if err := r.encoder.Encode(rec); err != nil {
		// Payloads are not guaranteed to be JSON-encodable; keep the topic.
		rec.Payload = fmt.Sprintf("%v", ev.Payload)
		if err := r.encoder.Encode(rec); err != nil {
			r.log.Warn("trace write failed", zap.String("topic", ev.Topic), zap.Error(err))
			return
		}
	}
	r.written++
}

// Written reports how many records the current trace holds.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// rotate keeps only the newest maxFiles-1 traces, leaving room for one more.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		if traces[i].mod.Equal(traces[j].mod) {
			return traces[i].name > traces[j].name
		}
		return traces[i].mod.After(traces[j].mod)
	})

	for i := r.maxFiles - 1; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.dir, traces[i].name))
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}
