package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/agleyzer/paceload/internal/acquire"
)

// renderSummary formats the outcome of a run as a two-column table.
func renderSummary(r *runReport) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Run", r.RunID})

	fragments := "none (empty stream)"
	if !r.Acquired.Empty() {
		fragments = fmt.Sprintf("%d..%d (%d)", r.Acquired.Start, r.Acquired.Boundary, r.Acquired.Count())
	}

	tw.AppendRows([]table.Row{
		{"Mode", string(r.Mode)},
		{"Fragments", fragments},
		{"Requests", r.Acquired.Requests},
		{"Downloaded", humanize.IBytes(uint64(r.Acquired.Bytes))},
		{"Elapsed", r.Acquired.Elapsed.Round(time.Millisecond).String()},
	})
	if r.Run.Finished {
		tw.AppendRow(table.Row{"Recorded", fmt.Sprintf("%s → %s",
			r.Run.StartedAt.Local().Format(time.DateTime),
			r.Run.FinishedAt.Local().Format(time.DateTime))})
	}
	if r.Mode == acquire.ModeStreaming {
		tw.AppendRow(table.Row{"Buffer checks", r.Acquired.Polls})
	}

	video := "-"
	if r.Assembled.VideoPath != "" {
		video = fmt.Sprintf("%s (%s)", r.Assembled.VideoPath, humanize.IBytes(uint64(r.Assembled.Bytes)))
	}
	tw.AppendRow(table.Row{"Video", video})
	if r.Assembled.PlaylistPath != "" {
		tw.AppendRow(table.Row{"Playlist", r.Assembled.PlaylistPath})
	}
	if r.Subtitles != "" {
		tw.AppendRow(table.Row{"Subtitles", r.Subtitles})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft},
	})
	return tw.Render()
}
