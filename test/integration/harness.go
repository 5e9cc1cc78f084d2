// Package integration provides integration testing utilities for paceload.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t          *testing.T
	httpServer *http.Server
	httpPort   int
	statusPort int
	outDir     string

	mu        sync.Mutex
	requested []string

	paceloadCmd *exec.Cmd
	exited      bool
	stdout      bytes.Buffer
	stderr      bytes.Buffer
	cancel      context.CancelFunc
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:          t,
		httpPort:   findAvailablePort(t),
		statusPort: findAvailablePort(t),
		outDir:     t.TempDir(),
	}
}

// Origin describes the fragment server.
type Origin struct {
	// First and Last bound the fragment numbers served with 200
	First, Last int
	// Delay is added before each fragment response
	Delay time.Duration
	// Subtitles is served at /subs.vtt when non-empty
	Subtitles string
}

// FragmentBody is the payload served for fragment n.
func FragmentBody(n int) string {
	return fmt.Sprintf("<fragment %03d>", n)
}

// StartOrigin starts an HTTP server serving /seg<n>.ts for the configured range.
func (h *TestHarness) StartOrigin(origin Origin) {
	h.t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/subs.vtt", func(w http.ResponseWriter, r *http.Request) {
		if origin.Subtitles == "" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(origin.Subtitles))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.requested = append(h.requested, r.URL.Path)
		h.mu.Unlock()

		var n int
		if _, err := fmt.Sscanf(r.URL.Path, "/seg%d.ts", &n); err != nil || n < origin.First || n > origin.Last {
			http.NotFound(w, r)
			return
		}
		if origin.Delay > 0 {
			time.Sleep(origin.Delay)
		}
		w.Write([]byte(FragmentBody(n)))
	})

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.httpPort),
		Handler: mux,
	}

	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	h.waitForServer(fmt.Sprintf("http://localhost:%d/subs.vtt", h.httpPort), 5*time.Second)
	h.t.Logf("origin started on port %d", h.httpPort)
}

// TemplateURL is the fragment URL template pointing at the origin.
func (h *TestHarness) TemplateURL() string {
	return fmt.Sprintf("http://localhost:%d/seg{}.ts", h.httpPort)
}

// SubtitlesURL points at the origin's subtitle track.
func (h *TestHarness) SubtitlesURL() string {
	return fmt.Sprintf("http://localhost:%d/subs.vtt", h.httpPort)
}

// OutDir is the --path every run writes under.
func (h *TestHarness) OutDir() string {
	return h.outDir
}

// Requested returns the fragment paths the origin has seen, in order.
func (h *TestHarness) Requested() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.requested...)
}

// StatusAddr is the address handed to --status-addr.
func (h *TestHarness) StatusAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", h.statusPort)
}

// RunPaceload runs the binary to completion and returns its stdout, stderr
// and exit error.
func (h *TestHarness) RunPaceload(args ...string) (string, string, error) {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.findPaceloadBinary(), h.withPath(args)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		h.t.Logf("paceload stderr:\n%s", stderr.String())
	}
	return stdout.String(), stderr.String(), err
}

// Stdout returns what a background run has printed. Only valid after WaitPaceload.
func (h *TestHarness) Stdout() string {
	return h.stdout.String()
}

// StartPaceload starts the binary in the background.
func (h *TestHarness) StartPaceload(args ...string) {
	h.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.paceloadCmd = exec.CommandContext(ctx, h.findPaceloadBinary(), h.withPath(args)...)
	h.paceloadCmd.Stdout = &h.stdout
	h.paceloadCmd.Stderr = &h.stderr

	if err := h.paceloadCmd.Start(); err != nil {
		h.t.Fatalf("failed to start paceload: %v", err)
	}
}

// WaitPaceload waits for a background run to exit.
func (h *TestHarness) WaitPaceload(timeout time.Duration) error {
	h.t.Helper()

	done := make(chan error, 1)
	go func() { done <- h.paceloadCmd.Wait() }()

	select {
	case err := <-done:
		h.exited = true
		if err != nil {
			h.t.Logf("paceload stderr:\n%s", h.stderr.String())
		}
		return err
	case <-time.After(timeout):
		h.t.Fatalf("paceload did not exit within %v", timeout)
		return nil
	}
}

func (h *TestHarness) withPath(args []string) []string {
	return append([]string{"--path", h.outDir, "--verbose", "1"}, args...)
}

// FetchStatus fetches a path from the status server.
func (h *TestHarness) FetchStatus(path string) (int, string) {
	h.t.Helper()

	resp, err := http.Get(fmt.Sprintf("http://%s%s", h.StatusAddr(), path))
	if err != nil {
		h.t.Fatalf("failed to fetch %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read %s body: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

// WaitForStatusServer waits until the status server answers.
func (h *TestHarness) WaitForStatusServer(timeout time.Duration) {
	h.t.Helper()
	h.waitForServer(fmt.Sprintf("http://%s/health", h.StatusAddr()), timeout)
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.paceloadCmd != nil && h.paceloadCmd.Process != nil && !h.exited {
		h.paceloadCmd.Process.Kill()
		h.paceloadCmd.Wait()
	}

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// WriteFakeFFprobe writes a script that reports the same start time for
// every file.
func (h *TestHarness) WriteFakeFFprobe(start string) string {
	h.t.Helper()

	path := filepath.Join(h.t.TempDir(), "ffprobe")
	script := fmt.Sprintf("#!/bin/sh\necho '{\"format\":{\"start_time\":\"%s\"}}'\n", start)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		h.t.Fatalf("failed to write fake ffprobe: %v", err)
	}
	return path
}

// findPaceloadBinary locates the paceload binary.
func (h *TestHarness) findPaceloadBinary() string {
	h.t.Helper()

	candidates := []string{
		"../../paceload",
		"./paceload",
		"../paceload",
		"./cmd/paceload/paceload",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			return absPath
		}
	}

	h.t.Skip("paceload binary not found. Run 'go build -o paceload ./cmd/paceload' first")
	return ""
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// ParsedPlaylist represents a parsed HLS playlist for testing.
type ParsedPlaylist struct {
	TargetDuration int
	MediaSequence  uint64
	PlaylistType   string
	Segments       []PlaylistSegment
	HasEndList     bool
}

// PlaylistSegment represents a segment in a playlist.
type PlaylistSegment struct {
	Duration float64
	URL      string
}

// ParsePlaylist parses an HLS playlist into a structured format.
func ParsePlaylist(content string) *ParsedPlaylist {
	playlist := &ParsedPlaylist{
		Segments: []PlaylistSegment{},
	}

	var currentSegment *PlaylistSegment
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			fmt.Sscanf(line, "#EXT-X-TARGETDURATION:%d", &playlist.TargetDuration)

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			fmt.Sscanf(line, "#EXT-X-MEDIA-SEQUENCE:%d", &playlist.MediaSequence)

		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			playlist.PlaylistType = strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:")

		case line == "#EXT-X-ENDLIST":
			playlist.HasEndList = true

		case strings.HasPrefix(line, "#EXTINF:"):
			currentSegment = &PlaylistSegment{}
			fmt.Sscanf(line, "#EXTINF:%f,", &currentSegment.Duration)

		case !strings.HasPrefix(line, "#"):
			if currentSegment != nil {
				currentSegment.URL = line
				playlist.Segments = append(playlist.Segments, *currentSegment)
				currentSegment = nil
			}
		}
	}

	return playlist
}
