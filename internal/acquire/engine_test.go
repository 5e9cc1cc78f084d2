package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/paceload/internal/fetch"
	"github.com/agleyzer/paceload/internal/probe"
	"github.com/agleyzer/paceload/internal/segment"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

const testTemplate = "http://x/seg{0}"

func mustTemplate(t *testing.T) segment.Template {
	t.Helper()
	tmpl, err := segment.NewTemplate(testTemplate)
	if err != nil {
		t.Fatalf("Failed to create template: %v", err)
	}
	return tmpl
}

// fakeFetcher serves the listed sequence numbers and 404s everything else.
type fakeFetcher struct {
	available map[string]bool
	requested []string
	onFetch   func(url string)
}

func newFakeFetcher(tmpl segment.Template, sequences ...int) *fakeFetcher {
	f := &fakeFetcher{available: make(map[string]bool)}
	for _, seq := range sequences {
		f.available[tmpl.Expand(seq)] = true
	}
	return f
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (int, []byte) {
	f.requested = append(f.requested, url)
	if f.onFetch != nil {
		f.onFetch(url)
	}
	if ctx.Err() != nil {
		return fetch.StatusUnreachable, nil
	}
	if f.available[url] {
		return http.StatusOK, []byte("data:" + url)
	}
	return http.StatusNotFound, nil
}

func rangeInts(from, to int) []int {
	var out []int
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func expectedURLs(from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("http://x/seg%d", i))
	}
	return out
}

// memStore keeps fragments in memory.
type memStore struct {
	data       map[int][]byte
	startTimes map[int]float64
	putErr     error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[int][]byte), startTimes: make(map[int]float64)}
}

func (s *memStore) Put(ctx context.Context, sequence int, url string, data []byte) (segment.Segment, error) {
	if s.putErr != nil {
		return segment.Segment{}, s.putErr
	}
	s.data[sequence] = data
	return segment.Segment{Sequence: sequence, URL: url, Path: s.Path(sequence), Size: int64(len(data))}, nil
}

func (s *memStore) Path(sequence int) string {
	return fmt.Sprintf("/frag/%d.ts", sequence)
}

func (s *memStore) SetStartTime(ctx context.Context, sequence int, start float64) error {
	if _, ok := s.data[sequence]; !ok {
		return fmt.Errorf("fragment %d not stored", sequence)
	}
	s.startTimes[sequence] = start
	return nil
}

// fakeClock advances only when slept on.
type fakeClock struct {
	now     time.Time
	sleeps  []time.Duration
	onSleep func() error
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	if c.onSleep != nil {
		if err := c.onSleep(); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// fakeProber returns start times derived from the fragment path.
type fakeProber struct {
	start func(path string) (float64, error)
	calls int
}

func (p *fakeProber) ProbeStart(ctx context.Context, path string) (float64, error) {
	p.calls++
	return p.start(path)
}

func fixedStart(v float64) *fakeProber {
	return &fakeProber{start: func(string) (float64, error) { return v, nil }}
}

func sequenceFromPath(path string) int {
	var seq int
	fmt.Sscanf(strings.TrimPrefix(path, "/frag/"), "%d.ts", &seq)
	return seq
}

type constNormal float64

func (c constNormal) NormFloat64() float64 { return float64(c) }

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestParseMode(t *testing.T) {
	for _, name := range []string{"immediate", "streaming"} {
		mode, err := ParseMode(name)
		if err != nil {
			t.Fatalf("Expected no error for %q, got %v", name, err)
		}
		if string(mode) != name {
			t.Errorf("Expected %q, got %q", name, mode)
		}
	}
	if _, err := ParseMode("bulk"); err == nil {
		t.Error("Expected error for unknown mode")
	}
}

func TestNew_Validation(t *testing.T) {
	tmpl := mustTemplate(t)
	logger := createTestLogger()
	fetcher := newFakeFetcher(tmpl)
	store := newMemStore()

	if _, err := New(Config{Mode: ModeStreaming}, tmpl, fetcher, nil, store, logger); err == nil {
		t.Error("Expected error for streaming mode without prober")
	}
	if _, err := New(Config{Mode: "turbo"}, tmpl, fetcher, nil, store, logger); err == nil {
		t.Error("Expected error for unknown mode")
	}
	if _, err := New(Config{Mode: ModeImmediate}, segment.Template{}, fetcher, nil, store, logger); err == nil {
		t.Error("Expected error for zero template")
	}
	if _, err := New(Config{Mode: ModeImmediate}, tmpl, nil, nil, store, logger); err == nil {
		t.Error("Expected error for missing fetcher")
	}
	if _, err := New(Config{Mode: ModeImmediate}, tmpl, fetcher, nil, nil, logger); err == nil {
		t.Error("Expected error for missing storage")
	}
	if _, err := New(Config{Mode: ModeImmediate}, tmpl, fetcher, nil, store, logger); err != nil {
		t.Errorf("Expected immediate mode without prober to be accepted, got %v", err)
	}
}

func TestRunImmediate_StopsAtFirstMissingFragment(t *testing.T) {
	tmpl := mustTemplate(t)
	fetcher := newFakeFetcher(tmpl, rangeInts(1, 5)...)
	store := newMemStore()
	clock := newFakeClock()

	engine, err := New(Config{Mode: ModeImmediate}, tmpl, fetcher, nil, store, createTestLogger(), WithClock(clock))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if !equalStrings(fetcher.requested, expectedURLs(1, 6)) {
		t.Errorf("Expected requests %v, got %v", expectedURLs(1, 6), fetcher.requested)
	}
	if result.Start != 1 || result.Boundary != 5 {
		t.Errorf("Expected range 1..5, got %d..%d", result.Start, result.Boundary)
	}
	if result.Fetched != 5 || result.Requests != 6 {
		t.Errorf("Expected 5 fetched of 6 requests, got %d of %d", result.Fetched, result.Requests)
	}
	if len(store.data) != 5 {
		t.Errorf("Expected 5 stored fragments, got %d", len(store.data))
	}
	if _, ok := store.data[6]; ok {
		t.Error("Missing fragment must not be stored")
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("Immediate mode must not sleep, slept %d times", len(clock.sleeps))
	}
}

func TestRunImmediate_BoundaryForVariousLengths(t *testing.T) {
	tmpl := mustTemplate(t)
	for _, k := range []int{1, 2, 7, 30} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			fetcher := newFakeFetcher(tmpl, rangeInts(1, k)...)
			engine, err := New(Config{Mode: ModeImmediate}, tmpl, fetcher, nil, newMemStore(), createTestLogger())
			if err != nil {
				t.Fatalf("Failed to create engine: %v", err)
			}

			result, err := engine.Run(context.Background())
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if result.Boundary != k {
				t.Errorf("Expected boundary %d, got %d", k, result.Boundary)
			}
			if len(fetcher.requested) != k+1 {
				t.Errorf("Expected %d requests, got %d", k+1, len(fetcher.requested))
			}
		})
	}
}

func TestRunImmediate_StartAtZero(t *testing.T) {
	tmpl := mustTemplate(t)
	fetcher := newFakeFetcher(tmpl, rangeInts(0, 3)...)
	store := newMemStore()

	engine, err := New(Config{Mode: ModeImmediate, StartAtZero: true}, tmpl, fetcher, nil, store, createTestLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if result.Start != 0 || result.Boundary != 3 {
		t.Errorf("Expected range 0..3, got %d..%d", result.Start, result.Boundary)
	}
	if result.Count() != 4 {
		t.Errorf("Expected 4 fragments in range, got %d", result.Count())
	}
	if !equalStrings(fetcher.requested, expectedURLs(0, 4)) {
		t.Errorf("Expected requests %v, got %v", expectedURLs(0, 4), fetcher.requested)
	}
}

func TestRunImmediate_StartAtZeroWithoutFragmentZero(t *testing.T) {
	tmpl := mustTemplate(t)
	fetcher := newFakeFetcher(tmpl, rangeInts(1, 3)...)

	engine, err := New(Config{Mode: ModeImmediate, StartAtZero: true}, tmpl, fetcher, nil, newMemStore(), createTestLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	// A missing fragment 0 is not the end of the stream.
	if result.Start != 1 || result.Boundary != 3 {
		t.Errorf("Expected range 1..3, got %d..%d", result.Start, result.Boundary)
	}
}

func TestRunImmediate_EmptyStream(t *testing.T) {
	tmpl := mustTemplate(t)
	fetcher := newFakeFetcher(tmpl)

	engine, err := New(Config{Mode: ModeImmediate}, tmpl, fetcher, nil, newMemStore(), createTestLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Boundary != 0 {
		t.Errorf("Expected boundary 0, got %d", result.Boundary)
	}
	if !result.Empty() || result.Count() != 0 {
		t.Errorf("Expected empty result, got %+v", result)
	}
	if len(fetcher.requested) != 1 {
		t.Errorf("Expected a single request, got %d", len(fetcher.requested))
	}
}

func TestRun_CanceledFetchIsNotEndOfStream(t *testing.T) {
	tmpl := mustTemplate(t)
	fetcher := newFakeFetcher(tmpl, rangeInts(1, 10)...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher.onFetch = func(url string) {
		if url == tmpl.Expand(3) {
			cancel()
		}
	}

	engine, err := New(Config{Mode: ModeImmediate}, tmpl, fetcher, nil, newMemStore(), createTestLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	_, err = engine.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	snap := engine.Snapshot()
	if snap.BoundaryKnown {
		t.Error("Cancellation must not fix the stream boundary")
	}
	if snap.State != StateFailed {
		t.Errorf("Expected state %q, got %q", StateFailed, snap.State)
	}
}

func TestRun_StorageErrorIsFatal(t *testing.T) {
	tmpl := mustTemplate(t)
	store := newMemStore()
	store.putErr = errors.New("disk full")

	engine, err := New(Config{Mode: ModeImmediate}, tmpl, newFakeFetcher(tmpl, 1), nil, store, createTestLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	_, err = engine.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Expected storage error, got %v", err)
	}
}

func TestSnapshot_AfterRun(t *testing.T) {
	tmpl := mustTemplate(t)
	engine, err := New(Config{Mode: ModeImmediate}, tmpl, newFakeFetcher(tmpl, 1, 2), nil, newMemStore(), createTestLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	if snap := engine.Snapshot(); snap.State != StateIdle {
		t.Errorf("Expected idle state before run, got %q", snap.State)
	}

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	snap := engine.Snapshot()
	if snap.State != StateDone {
		t.Errorf("Expected state %q, got %q", StateDone, snap.State)
	}
	if !snap.BoundaryKnown || snap.Boundary != 2 {
		t.Errorf("Expected known boundary 2, got %v/%d", snap.BoundaryKnown, snap.Boundary)
	}
	if snap.Cursor != 3 {
		t.Errorf("Expected cursor 3, got %d", snap.Cursor)
	}
	if snap.Mode != ModeImmediate {
		t.Errorf("Expected mode %q, got %q", ModeImmediate, snap.Mode)
	}
}

var _ probe.Prober = (*fakeProber)(nil)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Mode: ModeStreaming}.withDefaults()

	if cfg.TargetBuffer != defaultTargetBuffer {
		t.Errorf("Expected target buffer %v, got %v", defaultTargetBuffer, cfg.TargetBuffer)
	}
	if cfg.PollInterval != defaultPollInterval {
		t.Errorf("Expected poll interval %v, got %v", defaultPollInterval, cfg.PollInterval)
	}
	if cfg.JitterStdDev != 0 {
		t.Errorf("Expected zero jitter to stay disabled, got %v", cfg.JitterStdDev)
	}
	if cfg.ProbeRetries != 0 {
		t.Errorf("Expected no probe retries by default, got %d", cfg.ProbeRetries)
	}

	if got := (Config{}).withDefaults().Mode; got != ModeStreaming {
		t.Errorf("Expected default mode %q, got %q", ModeStreaming, got)
	}
}
