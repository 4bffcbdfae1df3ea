// Package ui is the terminal dashboard. It never touches the connection or
// the engine directly: events reach it as tea messages through Bridge,
// and key presses go out through the Controls interface.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/trainpulse/trainpulse/internal/conn"
	"github.com/trainpulse/trainpulse/internal/protocol"
)

const (
	fps        = 30
	maxLogs    = 8
	sparkWidth = 40
)

// Controls is what the dashboard can ask of the job and the connection.
// Any method may be left unimplemented by embedding NopControls.
type Controls interface {
	Pause(jobID string) error
	Resume(jobID string) error
	Stop(jobID string) error
	Reconnect(ctx context.Context) error
}

// NopControls ignores every request.
type NopControls struct{}

func (NopControls) Pause(string) error { return nil }
func (NopControls) Resume(string) error { return nil }
func (NopControls) Stop(string) error { return nil }
func (NopControls) Reconnect(context.Context) error { return nil }

type frameMsg struct{}

type controlResultMsg struct {
	action string
	status string
	err    error
}

// gauge is a percentage that eases toward its target.
type gauge struct {
	pos, vel, target float64
}

func (g *gauge) step(s harmonica.Spring) {
	g.pos, g.vel = s.Update(g.pos, g.vel, g.target)
}

func (g gauge) settled() bool {
	d := g.pos - g.target
	return d < 0.05 && d > -0.05 && g.vel < 0.05 && g.vel > -0.05
}

// Model is the root Bubble Tea model.
type Model struct {
	keys     KeyMap
	controls Controls
	jobID    string
	width    int

	conn conn.State

	jobStatus string
	latest    *protocol.TrainingProgress
	losses    []float64
	bar       progress.Model
	summary   *protocol.TrainingComplete
	failure   string

	spring    harmonica.Spring
	cpu, mem  gauge
	animating bool

	showLogs bool
	logs     []logLine
}

type logLine struct {
	level string
	text  string
}

// New creates the dashboard for jobID. jobID may be empty when only
// watching the stream; controls may be nil.
func New(jobID string, controls Controls) Model {
	if controls == nil {
		controls = NopControls{}
	}
	return Model{
		keys:      DefaultKeyMap(),
		controls:  controls,
		jobID:     jobID,
		conn:      conn.State{Status: conn.StatusDisconnected},
		jobStatus: "idle",
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(sparkWidth)),
		spring:    harmonica.NewSpring(harmonica.FPS(fps), 6.0, 0.8),
		showLogs:  true,
	}
}

func (m Model) Init() tea.Cmd { return nil }

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		w := msg.Width - 20
		if w < 10 {
			w = 10
		}
		if w > 60 {
			w = 60
		}
		m.bar.Width = w
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case ConnStatusMsg:
		m.conn = conn.State(msg)
		return m, nil

	case ProgressMsg:
		for i := range msg {
			p := msg[i]
			if m.jobID != "" && p.JobID != "" && p.JobID != m.jobID {
				continue
			}
			m.latest = &p
			m.losses = append(m.losses, p.Loss)
			if m.jobStatus == "idle" {
				m.jobStatus = "running"
			}
		}
		if len(m.losses) > sparkWidth {
			m.losses = m.losses[len(m.losses)-sparkWidth:]
		}
		return m, nil

	case SystemMsg:
		m.cpu.target = msg.CPU
		m.mem.target = msg.Memory
		return m.animate()

	case frameMsg:
		m.cpu.step(m.spring)
		m.mem.step(m.spring)
		if m.cpu.settled() && m.mem.settled() {
			m.cpu.pos, m.mem.pos = m.cpu.target, m.mem.target
			m.animating = false
			return m, nil
		}
		return m, tick()

	case LogMsg:
		for _, l := range msg {
			m.appendLog(l.Level, l.Message)
		}
		return m, nil

	case NoticeMsg:
		m.appendLog(msg.Level, msg.Text)
		return m, nil

	case CompleteMsg:
		if !m.ours(msg.JobID) {
			return m, nil
		}
		c := protocol.TrainingComplete(msg)
		m.summary = &c
		m.jobStatus = "completed"
		m.appendLog("success", fmt.Sprintf("training complete after %d epochs", msg.Epochs))
		return m, nil

	case FailedMsg:
		if !m.ours(msg.JobID) {
			return m, nil
		}
		m.failure = msg.Error
		m.jobStatus = "failed"
		m.appendLog("error", fmt.Sprintf("epoch %d failed: %s", msg.Epoch, msg.Error))
		return m, nil

	case controlResultMsg:
		if msg.err != nil {
			m.appendLog("error", fmt.Sprintf("%s: %v", msg.action, msg.err))
			return m, nil
		}
		if msg.status != "" && m.jobStatus != "completed" && m.jobStatus != "failed" {
			m.jobStatus = msg.status
		}
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Logs):
		m.showLogs = !m.showLogs
		return m, nil

	case key.Matches(msg, m.keys.Reconnect):
		c := m.controls
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return controlResultMsg{action: "reconnect", err: c.Reconnect(ctx)}
		}
	}

	if m.jobID == "" {
		return m, nil
	}
	id, c := m.jobID, m.controls
	switch {
	case key.Matches(msg, m.keys.Pause):
		return m, func() tea.Msg {
			return controlResultMsg{action: "pause", status: "paused", err: c.Pause(id)}
		}
	case key.Matches(msg, m.keys.Resume):
		return m, func() tea.Msg {
			return controlResultMsg{action: "resume", status: "running", err: c.Resume(id)}
		}
	case key.Matches(msg, m.keys.Stop):
		return m, func() tea.Msg {
			// Completion arrives as its own message.
			return controlResultMsg{action: "stop", err: c.Stop(id)}
		}
	}
	return m, nil
}

func (m Model) animate() (tea.Model, tea.Cmd) {
	if m.animating {
		return m, nil
	}
	m.animating = true
	return m, tick()
}

func tick() tea.Cmd {
	return tea.Tick(time.Second/fps, func(time.Time) tea.Msg { return frameMsg{} })
}

func (m Model) ours(jobID string) bool {
	return m.jobID == "" || jobID == "" || jobID == m.jobID
}

func (m *Model) appendLog(level, text string) {
	m.logs = append(m.logs, logLine{level: level, text: text})
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// View renders the dashboard.
func (m Model) View() string {
	sections := []string{
		m.renderStatusBar(),
		m.renderJob(),
		m.renderSystem(),
	}
	if m.showLogs && len(m.logs) > 0 {
		sections = append(sections, m.renderLogs())
	}
	sections = append(sections, StyleDimmed.Render("  p:pause  r:resume  s:stop  c:reconnect  l:log  q:quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderStatusBar() string {
	width := m.width
	if width < 40 {
		width = 40
	}

	var connStr string
	switch m.conn.Status {
	case conn.StatusConnected:
		connStr = "● Connected"
	case conn.StatusConnecting:
		connStr = "◌ Connecting..."
	case conn.StatusError:
		connStr = "✗ Connection failed (press c)"
	default:
		connStr = "○ Disconnected"
		if m.conn.Attempt > 0 {
			connStr = fmt.Sprintf("○ Reconnecting (attempt %d)", m.conn.Attempt)
		}
	}
	connStr = lipgloss.NewStyle().Foreground(ConnColor(string(m.conn.Status))).Render(connStr)

	job := "no job"
	if m.jobID != "" {
		job = "job " + shortID(m.jobID)
	}
	jobStr := lipgloss.NewStyle().Foreground(JobColor(m.jobStatus)).Render(job + ": " + m.jobStatus)

	sep := lipgloss.NewStyle().Foreground(ColorBorder).Render(" | ")
	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(ColorBorder).
		Render(connStr + sep + jobStr)
}

func (m Model) renderJob() string {
	lines := []string{StyleHeader.Render("TRAINING")}
	if m.latest == nil {
		lines = append(lines, StyleDimmed.Render("  waiting for progress..."))
	} else {
		p := m.latest
		lines = append(lines,
			fmt.Sprintf("  epoch %d/%d  %s %5.1f%%", p.Epoch, p.TotalEpochs, m.bar.ViewAs(p.Progress/100), p.Progress),
			fmt.Sprintf("  loss %.4f  accuracy %.2f%%%s", p.Loss, p.Accuracy*100, validationSuffix(p)),
			"  "+sparkline(m.losses),
		)
	}
	if m.summary != nil {
		s := m.summary
		line := fmt.Sprintf("  done: %d epochs in %s, final loss %.4f", s.Epochs, time.Duration(s.DurationMs)*time.Millisecond, s.FinalLoss)
		if s.EarlyStopped {
			line += " (early stop)"
		}
		lines = append(lines, lipgloss.NewStyle().Foreground(ColorHealthy).Render(line))
	}
	if m.failure != "" {
		lines = append(lines, lipgloss.NewStyle().Foreground(ColorDanger).Render("  failed: "+m.failure))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderSystem() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		StyleHeader.Render("SYSTEM"),
		"  "+renderGauge("cpu", m.cpu.pos, 20),
		"  "+renderGauge("mem", m.mem.pos, 20),
	)
}

func (m Model) renderLogs() string {
	lines := []string{StyleHeader.Render("ACTIVITY")}
	for _, l := range m.logs {
		lines = append(lines, "  "+lipgloss.NewStyle().Foreground(LevelColor(l.level)).Render(l.text))
	}
	return StyleBorder.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderGauge(label string, pct float64, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * float64(width))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("%s %s %5.1f%%", label, lipgloss.NewStyle().Foreground(GaugeColor(pct)).Render(bar), pct)
}

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

func sparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	var b strings.Builder
	for _, v := range values {
		i := 0
		if hi > lo {
			i = int((v - lo) / (hi - lo) * float64(len(sparkRunes)-1))
		}
		b.WriteRune(sparkRunes[i])
	}
	return b.String()
}

func validationSuffix(p *protocol.TrainingProgress) string {
	var s string
	if p.ValidationLoss != nil {
		s += fmt.Sprintf("  val loss %.4f", *p.ValidationLoss)
	}
	if p.ValidationAccuracy != nil {
		s += fmt.Sprintf("  val acc %.2f%%", *p.ValidationAccuracy*100)
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
