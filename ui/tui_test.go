package ui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/franksops/dmove/engine"
	"github.com/franksops/dmove/store"
)

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		bytesPerSec float64
		expected    string
	}{
		{500, "500 B/s"},
		{1024, "1.00 KB/s"},
		{2048, "2.00 KB/s"},
		{1048576, "1.00 MB/s"},
		{1572864, "1.50 MB/s"},
		{1073741824, "1.00 GB/s"},
	}

	for _, tt := range tests {
		result := formatSpeed(tt.bytesPerSec)
		if result != tt.expected {
			t.Errorf("formatSpeed(%v) = %v; want %v", tt.bytesPerSec, result, tt.expected)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1536, "1.50 KiB"},
		{5 * 1024 * 1024 * 1024, "5.00 GiB"},
	}

	for _, tt := range tests {
		if result := formatBytes(tt.bytes); result != tt.expected {
			t.Errorf("formatBytes(%d) = %v; want %v", tt.bytes, result, tt.expected)
		}
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		progress       float64
		bytesPerMs     float64
		totalBytes     int64
		completedBytes int64
		expected       string
	}{
		{0.0, 1000, 10000, 0, "Calculating..."},
		{0.5, 0, 10000, 5000, "Calculating..."},
		{0.5, 1, 10000, 5000, "5s"}, // 5000 bytes remaining, 1 byte per ms = 5000 ms = 5s
		{1.0, 10, 1000, 1000, "0s"},
		{0.1, 0.001, 1 << 30, 1 << 20, "> 1d"},
	}

	for _, tt := range tests {
		result := formatETA(tt.progress, tt.bytesPerMs, tt.totalBytes, tt.completedBytes)
		if result != tt.expected {
			t.Errorf("formatETA(%v, %v, %v, %v) = %v; want %v",
				tt.progress, tt.bytesPerMs, tt.totalBytes, tt.completedBytes, result, tt.expected)
		}
	}
}

func TestSamplerAggregates(t *testing.T) {
	jobs := []engine.JobProgress{
		{ID: "a", Source: "/src/a", State: store.StateCompleted, BytesTransferred: 100, TotalBytes: 100},
		{ID: "b", Source: "/src/b", State: store.StateInProgress, BytesTransferred: 50, TotalBytes: 200},
		{ID: "c", Source: "s3://bucket/c", State: store.StateInProgress, BytesTransferred: 0, TotalBytes: 400, CopyID: "upload-1"},
		{ID: "d", Source: "/src/d", State: store.StatePending, TotalBytes: 300},
		{ID: "e", Source: "/src/e", State: store.StateSkipped, TotalBytes: 10},
	}

	s := NewSampler()
	start := time.Unix(1000, 0)
	state := s.Sample(start, jobs, 4, 8)

	if state.TotalFiles != 5 || state.CompletedFiles != 2 {
		t.Errorf("files = %d/%d; want 2/5", state.CompletedFiles, state.TotalFiles)
	}
	if state.TotalBytes != 1010 {
		t.Errorf("TotalBytes = %d; want 1010", state.TotalBytes)
	}
	if state.CompletedBytes != 160 {
		t.Errorf("CompletedBytes = %d; want 160", state.CompletedBytes)
	}
	if state.Counts[store.StateInProgress] != 2 || state.Counts[store.StatePending] != 1 {
		t.Errorf("unexpected counts %v", state.Counts)
	}
	if len(state.ActiveStreams) != 2 {
		t.Fatalf("expected 2 active streams, got %d", len(state.ActiveStreams))
	}
	if state.ActiveStreams[0].Progress != 0.25 {
		t.Errorf("Progress = %v; want 0.25", state.ActiveStreams[0].Progress)
	}
	if state.ActiveStreams[1].CopyID != "upload-1" {
		t.Errorf("CopyID = %q; want upload-1", state.ActiveStreams[1].CopyID)
	}
	if state.ThroughputBPms != 0 {
		t.Errorf("expected no throughput on the first sample, got %v", state.ThroughputBPms)
	}

	jobs[1].BytesTransferred = 150
	state = s.Sample(start.Add(2*time.Second), jobs, 4, 8)

	if state.ActiveStreams[0].BytesSec != 50 {
		t.Errorf("BytesSec = %v; want 50", state.ActiveStreams[0].BytesSec)
	}
	if state.ThroughputBPms != 0.05 {
		t.Errorf("ThroughputBPms = %v; want 0.05", state.ThroughputBPms)
	}
}

func TestTUIModelInitialization(t *testing.T) {
	state := &UIState{
		TotalFiles: 100,
		MaxWorkers: 10,
	}
	model := NewTUIModel(state, nil)

	if model.engineState.TotalFiles != 100 {
		t.Errorf("Expected TotalFiles 100, got %d", model.engineState.TotalFiles)
	}

	view := model.View()
	if view == "" {
		t.Errorf("View rendered empty string")
	}

	if !strings.Contains(view, "Initializing...") {
		t.Errorf("Expected Initializing view when width is 0")
	}
}

func TestTUIModelView(t *testing.T) {
	state := NewSampler().Sample(time.Now(), []engine.JobProgress{
		{ID: "a", Source: "/src/a", State: store.StateFailed, TotalBytes: 10},
		{ID: "b", Source: "s3://bucket/b", State: store.StateInProgress, TotalBytes: 10, CopyID: "upload-123456789"},
	}, 2, 4)

	var model tea.Model = NewTUIModel(state, nil)
	model, _ = model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	view := model.View()

	for _, want := range []string{"Workers: 2/4", "Failed 1", "InProgress 1", "copy upload-12345", "s3://bucket/b"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestTUIModelAdjustsWorkers(t *testing.T) {
	var deltas []int
	var model tea.Model = NewTUIModel(&UIState{}, func(d int) { deltas = append(deltas, d) })

	for _, key := range []string{"+", "-", "="} {
		_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)})
		if cmd == nil {
			t.Fatalf("expected a command for key %q", key)
		}
		model, _ = model.Update(cmd())
	}

	if len(deltas) != 3 || deltas[0] != 1 || deltas[1] != -1 || deltas[2] != 1 {
		t.Errorf("deltas = %v; want [1 -1 1]", deltas)
	}
}

func TestTUIModelQuits(t *testing.T) {
	state := &UIState{IsRunning: true}
	model := NewTUIModel(state, nil)

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("expected tea.QuitMsg")
	}
	if state.IsRunning {
		t.Errorf("expected IsRunning to be cleared")
	}
}
