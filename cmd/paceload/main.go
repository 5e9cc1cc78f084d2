// The paceload command downloads a numbered fragment stream at the pace of a
// real-time viewer and joins the fragments into one video.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agleyzer/paceload/internal/config"
	"github.com/agleyzer/paceload/internal/logging"
)

const (
	version = "1.0.0"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// flagValues holds command-line values. They override the config file only
// when set explicitly.
type flagValues struct {
	configPath   string
	path         string
	name         string
	url          string
	subtitles    string
	delay        float64
	verbosity    int
	mode         string
	startAtZero  bool
	overwrite    bool
	ext          string
	prober       string
	targetBuffer float64
	pollInterval float64
	seed         uint64
	statusAddr   string
}

func newRootCommand() *cobra.Command {
	var flags flagValues

	cmd := &cobra.Command{
		Use:   "paceload --url <template> --name <dir> [flags]",
		Short: "Paced fragment stream downloader",
		Long: `paceload requests fragments 1, 2, 3, ... from a URL template until one is
missing, storing them under <path>/<name>/fragments, then joins them into
<path>/<name>/video.<ext>. The fragment number replaces {} or {0} in the
template.

In streaming mode fragments are only requested while less than the target
buffer of playback time is downloaded ahead of a viewer who started watching
when the first fragment arrived. Immediate mode requests them back to back.`,
		Example: `  paceload --url 'https://cdn.example.com/v/seg{}.ts' --name episode1
  paceload -u 'https://cdn.example.com/v/seg{}.ts' -n episode1 -m immediate --start-at-zero
  paceload -c paceload.toml --status-addr 127.0.0.1:8080`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, &flags)
			if err != nil {
				return err
			}

			logger := logging.New(cfg.Verbosity, cmd.ErrOrStderr())
			logger.Info("paceload starting", "version", version)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := run(ctx, cfg, cmd.ErrOrStderr(), logger)
			if err != nil {
				logger.Error("run failed", "error", err)
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderSummary(report))
			return nil
		},
	}

	bindFlags(cmd, &flags)
	return cmd
}

func bindFlags(cmd *cobra.Command, flags *flagValues) {
	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "Configuration file path (TOML)")
	f.StringVarP(&flags.path, "path", "p", ".", "Directory in which the output directory is created")
	f.StringVarP(&flags.name, "name", "n", "", "Output directory name")
	f.StringVarP(&flags.url, "url", "u", "", "Fragment URL template with {} where the fragment number goes")
	f.StringVarP(&flags.subtitles, "subtitles", "s", "", "Subtitle (WebVTT) URL")
	f.Float64VarP(&flags.delay, "delay", "d", 0, "Seconds to wait before the first request")
	f.IntVarP(&flags.verbosity, "verbose", "v", 2, "Verbosity from 0 (errors only) to 5 (trace)")
	f.StringVarP(&flags.mode, "mode", "m", config.ModeStreaming, "Acquisition mode: immediate or streaming")
	f.BoolVar(&flags.startAtZero, "start-at-zero", false, "Also request fragment 0")
	f.BoolVar(&flags.overwrite, "overwrite", false, "Reuse an existing output directory")
	f.StringVar(&flags.ext, "ext", "ts", "Fragment and video file extension")
	f.StringVar(&flags.prober, "prober", config.ProberMPlayer, "Start time prober: mplayer or ffprobe")
	f.Float64Var(&flags.targetBuffer, "target-buffer", 120, "Seconds of playback to keep buffered in streaming mode")
	f.Float64Var(&flags.pollInterval, "poll-interval", 1, "Seconds between buffer checks in streaming mode")
	f.Uint64Var(&flags.seed, "seed", 0, "Jitter seed; 0 picks one at random")
	f.StringVar(&flags.statusAddr, "status-addr", "", "Serve progress and a live playlist on this address")
}

// resolveConfig loads the config file and applies explicitly set flags on top.
func resolveConfig(cmd *cobra.Command, flags *flagValues) (*config.Config, error) {
	cfg, _, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("path") {
		cfg.Path = flags.path
	}
	if changed("name") {
		cfg.Name = flags.name
	}
	if changed("url") {
		cfg.URL = flags.url
	}
	if changed("subtitles") {
		cfg.SubtitlesURL = flags.subtitles
	}
	if changed("delay") {
		cfg.DelaySeconds = flags.delay
	}
	if changed("verbose") {
		cfg.Verbosity = flags.verbosity
	}
	if changed("mode") {
		cfg.Mode = flags.mode
	}
	if changed("start-at-zero") {
		cfg.StartAtZero = flags.startAtZero
	}
	if changed("overwrite") {
		cfg.Overwrite = flags.overwrite
	}
	if changed("ext") {
		cfg.Extension = flags.ext
	}
	if changed("prober") {
		cfg.Tools.Prober = flags.prober
	}
	if changed("target-buffer") {
		cfg.Pacing.TargetBufferSeconds = flags.targetBuffer
	}
	if changed("poll-interval") {
		cfg.Pacing.PollIntervalSeconds = flags.pollInterval
	}
	if changed("seed") {
		cfg.Pacing.Seed = flags.seed
	}
	if changed("status-addr") {
		cfg.StatusAddr = flags.statusAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
