package acquire

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/agleyzer/paceload/internal/probe"
)

// Clock abstracts wall time so pacing can be tested without sleeping.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// NormalSource yields standard normal samples. *rand.Rand satisfies it.
type NormalSource interface {
	NormFloat64() float64
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type globalNormal struct{}

func (globalNormal) NormFloat64() float64 { return rand.NormFloat64() }

// NewSeededSource returns a deterministic jitter source.
func NewSeededSource(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// runStreaming primes with one unconditional fetch to anchor playback time,
// then polls: fetch the next fragment while the buffer is below target,
// otherwise wait one poll interval.
func (e *Engine) runStreaming(ctx context.Context, first int) error {
	e.setState(StatePriming)
	initTime := e.clock.Now()

	cursor := first
	more, err := e.fetchOne(ctx, cursor)
	if err != nil {
		return err
	}

	e.setState(StatePolling)
	target := e.cfg.TargetBuffer.Seconds()
	for more {
		ahead, err := e.bufferAhead(ctx, cursor, initTime)
		if err != nil {
			return err
		}

		if ahead < target {
			cursor++
			more, err = e.fetchOne(ctx, cursor)
			if err != nil {
				return err
			}
			continue
		}

		if err := e.clock.Sleep(ctx, e.cfg.PollInterval); err != nil {
			return err
		}
	}
	return nil
}

// bufferAhead estimates how many seconds of playback are downloaded beyond
// the position a real-time viewer who started at initTime would be at.
func (e *Engine) bufferAhead(ctx context.Context, last int, initTime time.Time) (float64, error) {
	lastStart, err := e.probeStart(ctx, last)
	if err != nil {
		return 0, err
	}

	elapsed := e.clock.Now().Sub(initTime).Seconds()
	jitter := e.rng.NormFloat64() * e.cfg.JitterStdDev.Seconds()
	ahead := lastStart - elapsed + jitter

	e.mu.Lock()
	e.snap.Polls++
	e.snap.LastStart = lastStart
	e.snap.Elapsed = elapsed
	e.snap.BufferAhead = ahead
	e.mu.Unlock()

	e.logger.Debug("buffer estimate",
		"fragment", last,
		"last_start", lastStart,
		"playback_elapsed", elapsed,
		"jitter", jitter,
		"buffer_ahead", ahead,
	)
	return ahead, nil
}

// probeStart reads the start timestamp of a stored fragment, retrying up to
// ProbeRetries times one poll interval apart.
func (e *Engine) probeStart(ctx context.Context, sequence int) (float64, error) {
	path := e.store.Path(sequence)
	for attempt := 0; ; attempt++ {
		start, err := e.prober.ProbeStart(ctx, path)
		if err == nil && (math.IsNaN(start) || math.IsInf(start, 0)) {
			err = &probe.ProbeFailure{Path: path, Err: probe.ErrNotFinite}
		}
		if err == nil {
			if err := e.store.SetStartTime(ctx, sequence, start); err != nil {
				e.logger.Warn("failed to record start time", "fragment", sequence, "error", err)
			}
			return start, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		if attempt >= e.cfg.ProbeRetries {
			return 0, fmt.Errorf("fragment %d: %w", sequence, err)
		}

		e.logger.Warn("probe failed, retrying",
			"fragment", sequence,
			"attempt", attempt+1,
			"retries", e.cfg.ProbeRetries,
			"error", err,
		)
		if err := e.clock.Sleep(ctx, e.cfg.PollInterval); err != nil {
			return 0, err
		}
	}
}
