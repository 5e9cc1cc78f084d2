package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agleyzer/paceload/internal/acquire"
	"github.com/agleyzer/paceload/internal/assemble"
	"github.com/agleyzer/paceload/internal/config"
	"github.com/agleyzer/paceload/internal/fetch"
	"github.com/agleyzer/paceload/internal/logging"
	"github.com/agleyzer/paceload/internal/probe"
	"github.com/agleyzer/paceload/internal/segment"
	"github.com/agleyzer/paceload/internal/server"
	"github.com/agleyzer/paceload/internal/store"
)

// runReport is what a finished run prints.
type runReport struct {
	RunID     string
	Root      string
	Mode      acquire.Mode
	Acquired  acquire.Result
	Run       store.Run
	Assembled assemble.Result
	Subtitles string
}

// run performs one acquisition: validate, fetch subtitles, fetch fragments,
// then assemble. logOutput receives the HTTP client's own logs.
func run(ctx context.Context, cfg *config.Config, logOutput io.Writer, logger *slog.Logger) (*runReport, error) {
	// The template is checked before anything touches the disk or network.
	tmpl, err := segment.NewTemplate(cfg.URL)
	if err != nil {
		return nil, err
	}
	mode, err := acquire.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	report := &runReport{
		RunID: uuid.NewString(),
		Root:  cfg.Root(),
		Mode:  mode,
	}
	logger = logger.With("run_id", report.RunID)

	if mode == acquire.ModeImmediate {
		logger.Warn("immediate mode requests fragments back to back; the origin may throttle or block this")
	}

	if delay := cfg.Delay(); delay > 0 {
		logger.Info("waiting before first request", "delay", delay)
		if err := sleepContext(ctx, delay); err != nil {
			return nil, err
		}
	}

	st, err := store.Open(ctx, store.Options{
		Root:      cfg.Root(),
		Ext:       cfg.Extension,
		Overwrite: cfg.Overwrite,
		Outputs:   assemble.OutputNames(cfg.Extension),
	}, logger)
	if err != nil {
		if errors.Is(err, store.ErrDestinationExists) {
			return nil, fmt.Errorf("%w: %s (use --overwrite to reuse it)", err, cfg.Root())
		}
		return nil, err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Warn("failed to close store", "error", cerr)
		}
	}()

	if err := st.BeginRun(ctx, report.RunID, tmpl.String(), string(mode)); err != nil {
		return nil, err
	}

	fetcher := fetch.NewClient(fetch.Options{
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.HTTP.Timeout(),
		RetryMax:     cfg.HTTP.RetryMax,
		RetryWaitMin: cfg.HTTP.RetryWaitMin(),
		RetryWaitMax: cfg.HTTP.RetryWaitMax(),
		HCLogger:     logging.NewHCLogger(cfg.Verbosity, logOutput),
	}, logger)

	haveSubtitles := false
	if cfg.SubtitlesURL != "" {
		haveSubtitles, err = fetchSubtitles(ctx, fetcher, st, cfg.SubtitlesURL, logger)
		if err != nil {
			return nil, err
		}
	}

	var prober probe.Prober
	if mode == acquire.ModeStreaming {
		prober, err = probe.New(cfg.Tools.Prober, cfg.Tools.ProberBinary(), logger)
		if err != nil {
			return nil, err
		}
	}

	var opts []acquire.Option
	if cfg.Pacing.Seed != 0 {
		opts = append(opts, acquire.WithRand(acquire.NewSeededSource(cfg.Pacing.Seed)))
	}

	engine, err := acquire.New(acquire.Config{
		Mode:         mode,
		StartAtZero:  cfg.StartAtZero,
		TargetBuffer: cfg.Pacing.TargetBuffer(),
		PollInterval: cfg.Pacing.PollInterval(),
		JitterStdDev: cfg.Pacing.JitterStdDev(),
		ProbeRetries: cfg.Pacing.ProbeRetries,
	}, tmpl, fetcher, prober, st, logger, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.StatusAddr != "" {
		srv := server.New(engine, st, server.Options{
			Addr:            cfg.StatusAddr,
			DefaultDuration: cfg.Pacing.NominalFragmentSeconds,
		}, logger)

		srvCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := srv.Start(srvCtx); err != nil && err != http.ErrServerClosed {
				logger.Warn("status server shutdown failed", "error", err)
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
		logger.Info("status server ready",
			"playlist", fmt.Sprintf("http://%s/playlist.m3u8", cfg.StatusAddr),
			"health", fmt.Sprintf("http://%s/health", cfg.StatusAddr),
		)
	}

	logger.Info("starting acquisition",
		"template", tmpl.String(),
		"mode", mode,
		"root", cfg.Root(),
	)
	report.Acquired, err = engine.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquisition failed: %w", err)
	}

	if err := st.FinishRun(ctx, report.RunID, report.Acquired.Start, report.Acquired.Boundary); err != nil {
		return nil, err
	}
	if report.Run, err = st.GetRun(ctx, report.RunID); err != nil {
		return nil, err
	}

	asm := assemble.New(st, cfg.Pacing.NominalFragmentSeconds, logger)
	report.Assembled, err = asm.Assemble(ctx, report.Acquired.Start, report.Acquired.Boundary)
	if err != nil {
		return nil, fmt.Errorf("assembly failed: %w", err)
	}

	if haveSubtitles {
		path, err := asm.ConvertSubtitles(ctx, assemble.NewFFmpeg(cfg.Tools.FFmpegBinary, logger))
		if err != nil {
			// Non-fatal: the video is already written.
			logger.Error("subtitle conversion failed", "error", err)
		}
		report.Subtitles = path
	}

	return report, nil
}

// fetchSubtitles stores the subtitle payload. A missing subtitle track is
// logged and skipped.
func fetchSubtitles(ctx context.Context, fetcher fetch.Fetcher, st *store.Store, url string, logger *slog.Logger) (bool, error) {
	status, body := fetcher.Fetch(ctx, url)
	if status != http.StatusOK {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		logger.Warn("subtitles unavailable, continuing without them", "url", url, "status", status)
		return false, nil
	}

	path, err := st.WriteSubtitles(body)
	if err != nil {
		return false, err
	}
	logger.Info("downloaded subtitles", "path", path, "bytes", len(body))
	return true, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
