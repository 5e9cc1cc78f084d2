// Package integration provides integration tests for paceload.
package integration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func expectedVideo(first, last int) string {
	var sb strings.Builder
	for n := first; n <= last; n++ {
		sb.WriteString(FragmentBody(n))
	}
	return sb.String()
}

// TestImmediateDownload runs a bulk download against a stream of eight
// fragments and checks the assembled output.
func TestImmediateDownload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.StartOrigin(Origin{First: 1, Last: 8})

	stdout, _, err := harness.RunPaceload(
		"--mode", "immediate",
		"--url", harness.TemplateURL(),
		"--name", "episode",
	)
	if err != nil {
		t.Fatalf("paceload failed: %v", err)
	}

	root := filepath.Join(harness.OutDir(), "episode")

	video, err := os.ReadFile(filepath.Join(root, "video.ts"))
	if err != nil {
		t.Fatalf("failed to read video: %v", err)
	}
	if string(video) != expectedVideo(1, 8) {
		t.Errorf("unexpected video content: %q", video)
	}

	// One request past the end confirms the boundary.
	requested := harness.Requested()
	if len(requested) != 9 {
		t.Errorf("expected 9 fragment requests, got %d: %v", len(requested), requested)
	}
	if requested[len(requested)-1] != "/seg9.ts" {
		t.Errorf("expected last request for fragment 9, got %s", requested[len(requested)-1])
	}

	data, err := os.ReadFile(filepath.Join(root, "video.m3u8"))
	if err != nil {
		t.Fatalf("failed to read playlist: %v", err)
	}
	parsed := ParsePlaylist(string(data))
	if len(parsed.Segments) != 8 {
		t.Errorf("expected 8 playlist entries, got %d", len(parsed.Segments))
	}
	if !parsed.HasEndList {
		t.Error("assembled playlist should have EXT-X-ENDLIST")
	}
	if parsed.PlaylistType != "VOD" {
		t.Errorf("expected VOD playlist, got %q", parsed.PlaylistType)
	}
	if parsed.MediaSequence != 1 {
		t.Errorf("expected media sequence 1, got %d", parsed.MediaSequence)
	}
	if parsed.Segments[0].URL != "fragments/1.ts" {
		t.Errorf("expected first entry fragments/1.ts, got %s", parsed.Segments[0].URL)
	}

	if !strings.Contains(stdout, "1..8 (8)") {
		t.Errorf("summary should report the fragment range, got:\n%s", stdout)
	}
}

// TestStartAtZero verifies that fragment 0 is included when requested.
func TestStartAtZero(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.StartOrigin(Origin{First: 0, Last: 3})

	if _, _, err := harness.RunPaceload(
		"--mode", "immediate",
		"--start-at-zero",
		"--url", harness.TemplateURL(),
		"--name", "zero",
	); err != nil {
		t.Fatalf("paceload failed: %v", err)
	}

	video, err := os.ReadFile(filepath.Join(harness.OutDir(), "zero", "video.ts"))
	if err != nil {
		t.Fatalf("failed to read video: %v", err)
	}
	if string(video) != expectedVideo(0, 3) {
		t.Errorf("unexpected video content: %q", video)
	}
}

// TestRefusesExistingDestination verifies that a second run needs --overwrite.
func TestRefusesExistingDestination(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.StartOrigin(Origin{First: 1, Last: 2})

	args := []string{"--mode", "immediate", "--url", harness.TemplateURL(), "--name", "again"}
	if _, _, err := harness.RunPaceload(args...); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	_, stderr, err := harness.RunPaceload(args...)
	if err == nil {
		t.Fatal("second run without --overwrite should fail")
	}
	if !strings.Contains(stderr, "already exists") {
		t.Errorf("expected destination error, got:\n%s", stderr)
	}

	if _, _, err := harness.RunPaceload(append(args, "--overwrite")...); err != nil {
		t.Fatalf("run with --overwrite failed: %v", err)
	}
}

// TestRejectsTemplateWithoutSlot verifies that nothing is fetched for a
// template that does not vary with the fragment number.
func TestRejectsTemplateWithoutSlot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.StartOrigin(Origin{First: 1, Last: 2})

	constant := strings.Replace(harness.TemplateURL(), "{}", "1", 1)
	_, stderr, err := harness.RunPaceload("--mode", "immediate", "--url", constant, "--name", "bad")
	if err == nil {
		t.Fatal("expected failure for a template without a slot")
	}
	if !strings.Contains(stderr, "invalid fragment URL template") {
		t.Errorf("expected template error, got:\n%s", stderr)
	}
	if len(harness.Requested()) != 0 {
		t.Errorf("no fragment should be requested, got %v", harness.Requested())
	}
	if _, err := os.Stat(filepath.Join(harness.OutDir(), "bad")); !os.IsNotExist(err) {
		t.Error("output directory should not be created")
	}
}

// TestStreamingWithStatusServer runs a paced download with a fake prober and
// watches it through the status server.
func TestStreamingWithStatusServer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if runtime.GOOS == "windows" {
		t.Skip("fake prober requires a POSIX shell")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.StartOrigin(Origin{
		First:     1,
		Last:      10,
		Delay:     200 * time.Millisecond,
		Subtitles: "WEBVTT\n\n00:00.000 --> 00:01.000\nhi\n",
	})

	configPath := filepath.Join(t.TempDir(), "paceload.toml")
	config := fmt.Sprintf("[tools]\nprober = %q\nffprobe_binary = %q\n", "ffprobe", harness.WriteFakeFFprobe("0.000000"))
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	harness.StartPaceload(
		"--config", configPath,
		"--mode", "streaming",
		"--url", harness.TemplateURL(),
		"--name", "paced",
		"--status-addr", harness.StatusAddr(),
		"--seed", "7",
	)

	harness.WaitForStatusServer(10 * time.Second)

	status, body := harness.FetchStatus("/health")
	if status != 200 {
		t.Fatalf("expected health status 200, got %d", status)
	}
	var health map[string]interface{}
	if err := json.Unmarshal([]byte(body), &health); err != nil {
		t.Fatalf("failed to parse health: %v", err)
	}
	progress, ok := health["progress"].(map[string]interface{})
	if !ok {
		t.Fatalf("health missing progress: %s", body)
	}
	if progress["mode"] != "streaming" {
		t.Errorf("expected streaming mode, got %v", progress["mode"])
	}

	status, body = harness.FetchStatus("/playlist.m3u8")
	if status != 200 {
		t.Fatalf("expected playlist status 200, got %d", status)
	}
	if !strings.HasPrefix(body, "#EXTM3U") {
		t.Errorf("expected an HLS playlist, got:\n%s", body)
	}

	if err := harness.WaitPaceload(60 * time.Second); err != nil {
		t.Fatalf("paceload failed: %v", err)
	}

	root := filepath.Join(harness.OutDir(), "paced")
	video, err := os.ReadFile(filepath.Join(root, "video.ts"))
	if err != nil {
		t.Fatalf("failed to read video: %v", err)
	}
	if string(video) != expectedVideo(1, 10) {
		t.Errorf("unexpected video content: %q", video)
	}
	if _, err := os.Stat(filepath.Join(root, "subtitles", "subs.vtt")); err != nil {
		t.Errorf("subtitles should be stored: %v", err)
	}
	if !strings.Contains(harness.Stdout(), "1..10 (10)") {
		t.Errorf("summary should report the fragment range, got:\n%s", harness.Stdout())
	}
}
