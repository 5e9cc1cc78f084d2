// Package acquire implements the fragment acquisition loop: it walks the
// fragment sequence, detects the end of the stream and, in streaming mode,
// paces requests to keep a fixed amount of playback time buffered.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agleyzer/paceload/internal/fetch"
	"github.com/agleyzer/paceload/internal/probe"
	"github.com/agleyzer/paceload/internal/segment"
)

// Mode selects how fragments are requested.
type Mode string

const (
	// ModeImmediate requests fragments back to back.
	ModeImmediate Mode = "immediate"
	// ModeStreaming requests fragments only as a real-time viewer would need them.
	ModeStreaming Mode = "streaming"
)

// ParseMode converts a mode name.
func ParseMode(name string) (Mode, error) {
	switch Mode(name) {
	case ModeImmediate, ModeStreaming:
		return Mode(name), nil
	default:
		return "", fmt.Errorf("unknown mode %q (want %q or %q)", name, ModeImmediate, ModeStreaming)
	}
}

// State is the engine's position in its state machine.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePriming State = "priming"
	StatePolling State = "polling"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Config controls one acquisition run.
type Config struct {
	Mode Mode

	// StartAtZero requests fragment 0 before the main sequence, which always begins at 1.
	StartAtZero bool

	// TargetBuffer is the playback time to keep downloaded ahead of the simulated viewer.
	TargetBuffer time.Duration

	// PollInterval is the wait between buffer checks when enough is buffered.
	PollInterval time.Duration

	// JitterStdDev is the standard deviation of the normal jitter added to
	// each estimate. Zero disables jitter; it is not defaulted.
	JitterStdDev time.Duration

	// ProbeRetries is how many extra probe attempts are made before a probe failure aborts the run.
	ProbeRetries int
}

const (
	defaultTargetBuffer = 120 * time.Second
	defaultPollInterval = time.Second
)

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeStreaming
	}
	if c.TargetBuffer <= 0 {
		c.TargetBuffer = defaultTargetBuffer
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Storage persists fetched fragments.
type Storage interface {
	Put(ctx context.Context, sequence int, url string, data []byte) (segment.Segment, error)
	Path(sequence int) string
	SetStartTime(ctx context.Context, sequence int, start float64) error
}

// Result summarizes a completed run. Start..Boundary (inclusive) is the
// range to assemble; it is empty when Boundary < Start.
type Result struct {
	Start    int
	Boundary int
	Fetched  int
	Requests int
	Bytes    int64
	Polls    int
	Elapsed  time.Duration
}

// Empty reports whether the stream had no fragments.
func (r Result) Empty() bool {
	return r.Boundary < r.Start
}

// Count returns the number of fragments in the assembly range.
func (r Result) Count() int {
	if r.Empty() {
		return 0
	}
	return r.Boundary - r.Start + 1
}

// Snapshot is a point-in-time view of a running engine.
type Snapshot struct {
	State         State   `json:"state"`
	Mode          Mode    `json:"mode"`
	Start         int     `json:"start"`
	Cursor        int     `json:"cursor"`
	Boundary      int     `json:"boundary"`
	BoundaryKnown bool    `json:"boundary_known"`
	Fetched       int     `json:"fetched"`
	Requests      int     `json:"requests"`
	Bytes         int64   `json:"bytes"`
	Polls         int     `json:"polls"`
	LastStart     float64 `json:"last_start_seconds"`
	Elapsed       float64 `json:"playback_elapsed_seconds"`
	BufferAhead   float64 `json:"buffer_ahead_seconds"`
}

// Engine drives acquisition for a single run. Run must be called once;
// Snapshot may be called concurrently from other goroutines.
type Engine struct {
	cfg      Config
	template segment.Template
	fetcher  fetch.Fetcher
	prober   probe.Prober
	store    Storage
	clock    Clock
	rng      NormalSource
	logger   *slog.Logger

	mu   sync.Mutex
	snap Snapshot
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRand replaces the jitter source.
func WithRand(r NormalSource) Option {
	return func(e *Engine) { e.rng = r }
}

// New creates an engine. The prober may be nil in immediate mode.
func New(cfg Config, tmpl segment.Template, fetcher fetch.Fetcher, prober probe.Prober, store Storage, logger *slog.Logger, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if cfg.Mode == ModeStreaming && prober == nil {
		return nil, errors.New("streaming mode requires a prober")
	}

	e := &Engine{
		cfg:      cfg,
		template: tmpl,
		fetcher:  fetcher,
		prober:   prober,
		store:    store,
		clock:    realClock{},
		rng:      globalNormal{},
		logger:   logger,
		snap: Snapshot{
			State: StateIdle,
			Mode:  cfg.Mode,
			Start: 1,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run acquires fragments until the stream ends or a fatal error occurs.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	began := e.clock.Now()

	start, err := e.resolveStart(ctx)
	if err != nil {
		return Result{}, e.fail(err)
	}

	switch e.cfg.Mode {
	case ModeImmediate:
		err = e.runImmediate(ctx, 1)
	case ModeStreaming:
		err = e.runStreaming(ctx, 1)
	}
	if err != nil {
		return Result{}, e.fail(err)
	}

	e.setState(StateDone)
	result := e.result(start, e.clock.Now().Sub(began))
	e.logger.Info("found last fragment",
		"boundary", result.Boundary,
		"start", result.Start,
		"fragments", result.Count(),
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// resolveStart probes fragment 0 when asked to. Its absence only moves the
// start offset to 1; it never ends the stream.
func (e *Engine) resolveStart(ctx context.Context) (int, error) {
	start := 1
	if e.cfg.StartAtZero {
		ok, err := e.retrieve(ctx, 0)
		if err != nil {
			return 0, err
		}
		if ok {
			start = 0
		}
		e.logger.Info("resolved start fragment", "start", start)
	}

	e.mu.Lock()
	e.snap.Start = start
	e.mu.Unlock()
	return start, nil
}

// runImmediate requests fragments back to back until one is missing.
func (e *Engine) runImmediate(ctx context.Context, first int) error {
	e.setState(StateRunning)
	for cursor := first; ; cursor++ {
		more, err := e.fetchOne(ctx, cursor)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// fetchOne retrieves a fragment. A non-200 status fixes the stream
// boundary at sequence-1 and stops the loop.
func (e *Engine) fetchOne(ctx context.Context, sequence int) (bool, error) {
	ok, err := e.retrieve(ctx, sequence)
	if err != nil || ok {
		return ok, err
	}

	e.mu.Lock()
	e.snap.Boundary = sequence - 1
	e.snap.BoundaryKnown = true
	e.mu.Unlock()
	return false, nil
}

// retrieve fetches and stores one fragment, reporting whether it existed.
func (e *Engine) retrieve(ctx context.Context, sequence int) (bool, error) {
	url := e.template.Expand(sequence)

	e.mu.Lock()
	e.snap.Cursor = sequence
	e.snap.Requests++
	e.mu.Unlock()

	status, body := e.fetcher.Fetch(ctx, url)
	e.logger.Debug("fragment request", "sequence", sequence, "url", url, "status", status)

	if status != http.StatusOK {
		// A canceled request is not the end of the stream.
		if err := ctx.Err(); err != nil {
			return false, err
		}
		return false, nil
	}

	if _, err := e.store.Put(ctx, sequence, url, body); err != nil {
		return false, fmt.Errorf("store fragment %d: %w", sequence, err)
	}

	e.mu.Lock()
	e.snap.Fetched++
	e.snap.Bytes += int64(len(body))
	e.mu.Unlock()
	return true, nil
}

// Snapshot returns the current progress.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.snap.State = s
	e.mu.Unlock()
}

func (e *Engine) fail(err error) error {
	e.setState(StateFailed)
	return err
}

func (e *Engine) result(start int, elapsed time.Duration) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Result{
		Start:    start,
		Boundary: e.snap.Boundary,
		Fetched:  e.snap.Fetched,
		Requests: e.snap.Requests,
		Bytes:    e.snap.Bytes,
		Polls:    e.snap.Polls,
		Elapsed:  elapsed,
	}
}
