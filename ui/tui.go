package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/franksops/dmove/engine"
	"github.com/franksops/dmove/store"
)

// UIState represents the aggregated state for the TUI
type UIState struct {
	TotalFiles     int64
	TotalBytes     int64
	CompletedFiles int64
	CompletedBytes int64
	Counts         map[store.JobState]int
	ActiveStreams  []*ActiveStream
	ActiveWorkers  int
	MaxWorkers     int
	ThroughputBPms float64 // bytes per millisecond
	IsRunning      bool
	Done           bool
}

// ActiveStream represents a current running transfer
type ActiveStream struct {
	JobID    string
	FilePath string
	Progress float64 // 0.0 to 1.0
	BytesSec float64 // bytes per second for this stream
	CopyID   string  // set while a server-side copy is in flight
}

// Sampler turns successive tracker snapshots into UI states, deriving
// throughput from the bytes moved between two samples.
type Sampler struct {
	last      time.Time
	lastBytes int64
	perJob    map[string]int64
}

func NewSampler() *Sampler {
	return &Sampler{perJob: make(map[string]int64)}
}

// Sample aggregates jobs into a UIState.
func (s *Sampler) Sample(now time.Time, jobs []engine.JobProgress, workers, maxWorkers int) *UIState {
	state := &UIState{
		Counts:        make(map[store.JobState]int),
		ActiveStreams: make([]*ActiveStream, 0),
		ActiveWorkers: workers,
		MaxWorkers:    maxWorkers,
		IsRunning:     true,
	}

	var elapsed time.Duration
	if !s.last.IsZero() {
		elapsed = now.Sub(s.last)
	}

	perJob := make(map[string]int64, len(jobs))
	for _, j := range jobs {
		state.TotalFiles++
		state.Counts[j.State]++
		if j.TotalBytes > 0 {
			state.TotalBytes += j.TotalBytes
		}

		switch j.State {
		case store.StateCompleted, store.StateSkipped:
			state.CompletedFiles++
			state.CompletedBytes += max(j.TotalBytes, 0)
			continue
		default:
			state.CompletedBytes += j.BytesTransferred
		}
		if j.State != store.StateInProgress {
			continue
		}

		perJob[j.ID] = j.BytesTransferred
		stream := &ActiveStream{
			JobID:    j.ID,
			FilePath: j.Source,
			CopyID:   j.CopyID,
		}
		if j.TotalBytes > 0 {
			stream.Progress = float64(j.BytesTransferred) / float64(j.TotalBytes)
		}
		if prev, ok := s.perJob[j.ID]; ok && elapsed > 0 {
			stream.BytesSec = float64(j.BytesTransferred-prev) / elapsed.Seconds()
		}
		state.ActiveStreams = append(state.ActiveStreams, stream)
	}

	if elapsed > 0 {
		state.ThroughputBPms = float64(state.CompletedBytes-s.lastBytes) / float64(elapsed.Milliseconds())
	}
	s.last = now
	s.lastBytes = state.CompletedBytes
	s.perJob = perJob
	return state
}

// TUIModel implements the tea.Model interface
type TUIModel struct {
	engineState   *UIState
	adjustWorkers func(delta int)
	spinner       spinner.Model
	progress      progress.Model
	streamBar     progress.Model
	viewport      viewport.Model

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	streamStyle  lipgloss.Style
	copyStyle    lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg is sent periodically to update the UI state
type TUIUpdateMsg struct {
	State *UIState
}

// WorkerCountMsg is sent when modifying the worker count
type WorkerCountMsg int

// NewTUIModel returns the model. adjustWorkers, when set, receives the
// requested change in worker count.
func NewTUIModel(initialState *UIState, adjustWorkers func(delta int)) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())
	streamBar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(30))

	return TUIModel{
		engineState:   initialState,
		adjustWorkers: adjustWorkers,
		spinner:       s,
		progress:      prog,
		streamBar:     streamBar,
		titleStyle:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		copyStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		helpStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.engineState.IsRunning = false
			return m, tea.Quit
		case "+", "=":
			return m, func() tea.Msg { return WorkerCountMsg(1) }
		case "-":
			return m, func() tea.Msg { return WorkerCountMsg(-1) }
		}

	case WorkerCountMsg:
		if m.adjustWorkers != nil {
			m.adjustWorkers(int(msg))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 6
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case TUIUpdateMsg:
		m.engineState = msg.State
		if m.engineState.Done {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

var countOrder = []store.JobState{
	store.StatePending,
	store.StateInProgress,
	store.StateCompleted,
	store.StateSkipped,
	store.StateFailed,
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder

	// Header
	header := fmt.Sprintf("%s dmove %s", m.spinner.View(), m.titleStyle.Render("Resumable Transfer Engine"))
	sb.WriteString(header + "\n")

	// Global Progress
	var percent float64 = 0
	if m.engineState.TotalBytes > 0 {
		percent = float64(m.engineState.CompletedBytes) / float64(m.engineState.TotalBytes)
	}

	opsInfo := fmt.Sprintf("ETA: %s | Workers: %d/%d | %s / %s | Files: %d/%d",
		formatETA(percent, m.engineState.ThroughputBPms, m.engineState.TotalBytes, m.engineState.CompletedBytes),
		m.engineState.ActiveWorkers, m.engineState.MaxWorkers,
		formatBytes(m.engineState.CompletedBytes), formatBytes(m.engineState.TotalBytes),
		m.engineState.CompletedFiles, m.engineState.TotalFiles)

	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")
	sb.WriteString(m.formatCounts() + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	// Active Streams
	sb.WriteString("Active Jobs:\n")
	var streamContent strings.Builder

	if len(m.engineState.ActiveStreams) == 0 {
		streamContent.WriteString(m.infoStyle.Render("No active jobs..."))
	} else {
		for _, s := range m.engineState.ActiveStreams {
			truncatePath := s.FilePath
			if len(truncatePath) > 40 {
				truncatePath = "..." + truncatePath[len(truncatePath)-37:]
			}

			detail := m.streamStyle.Render(formatSpeed(s.BytesSec))
			if s.CopyID != "" {
				detail = m.copyStyle.Render("copy " + shortID(s.CopyID))
			}

			// Format: [===       ] 30% | 45 MB/s | /path/to/file
			fmt.Fprintf(&streamContent, "%s | %-10s | %s\n",
				m.streamBar.ViewAs(s.Progress), detail, truncatePath)
		}
	}

	m.viewport.SetContent(streamContent.String())
	sb.WriteString(m.viewport.View())

	// Footer
	help := m.helpStyle.Render("q/ctrl+c: quit • +/-: adjust workers")
	if m.engineState.Done {
		help = m.successStyle.Render("Transfer Complete!") + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func (m TUIModel) formatCounts() string {
	parts := make([]string, 0, len(countOrder))
	for _, st := range countOrder {
		part := fmt.Sprintf("%s %d", st, m.engineState.Counts[st])
		if st == store.StateFailed && m.engineState.Counts[st] > 0 {
			part = m.errorStyle.Render(part)
		} else {
			part = m.infoStyle.Render(part)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " | ")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

func formatETA(progress float64, bytesPerMs float64, totalBytes, completedBytes int64) string {
	if progress == 0 || bytesPerMs <= 0 || totalBytes == 0 {
		return "Calculating..."
	}

	remainingBytes := totalBytes - completedBytes
	if remainingBytes <= 0 {
		return "0s"
	}

	remainingMs := float64(remainingBytes) / bytesPerMs
	d := time.Duration(remainingMs) * time.Millisecond

	if d.Hours() > 24 {
		return "> 1d"
	}

	return d.Round(time.Second).String()
}
