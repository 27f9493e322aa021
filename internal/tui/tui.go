// Package tui is a terminal dashboard for a running bounce sequence: a live
// angle chart, the cycle counter and the last transitions.
package tui

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cjeanneret/BounceGo/internal/logic/bounce"
	"github.com/cjeanneret/BounceGo/internal/logic/motion"
)

const (
	headerHeight = 3 // title, status line, blank
	footerHeight = 7 // event box
	helpHeight   = 1
	maxLogs      = 5
	borderSize   = 2
	refreshEvery = 50 * time.Millisecond

	angleSet  = "angle"
	targetSet = "target"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	activeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	alertStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	angleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))
	targetStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

// EventFeed is a bounce.Observer that queues events for the dashboard.
// Events are dropped when the queue is full.
type EventFeed chan bounce.Event

func NewEventFeed() EventFeed {
	return make(EventFeed, 64)
}

func (f EventFeed) Notify(e bounce.Event) {
	select {
	case f <- e:
	default:
	}
}

type tickMsg time.Time
type eventMsg bounce.Event
type doneMsg struct {
	what string
	err  error
}

type model struct {
	// ctx is handed to blocking commands; quitting cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	runner *motion.Runner
	feed   EventFeed
	chart  *streamlinechart.Model
	status bounce.Status

	width, height int
	logs          []string
	busy          string
	quitting      bool
}

func newModel(ctx context.Context, runner *motion.Runner, feed EventFeed) model {
	s := runner.Status()
	lo := math.Min(s.StartAngle, s.EndAngle) - 5
	hi := math.Max(s.StartAngle, s.EndAngle) + 5
	chart := streamlinechart.New(80, 16, streamlinechart.WithYRange(lo, hi))
	chart.SetDataSetStyles(angleSet, runes.ThinLineStyle, angleStyle)
	chart.SetDataSetStyles(targetSet, runes.ThinLineStyle, targetStyle)
	ctx, cancel := context.WithCancel(ctx)
	return model{
		ctx:    ctx,
		cancel: cancel,
		runner: runner,
		feed:   feed,
		chart:  &chart,
		status: s,
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForEvent(feed EventFeed) tea.Cmd {
	if feed == nil {
		return nil
	}
	return func() tea.Msg {
		return eventMsg(<-feed)
	}
}

func (m *model) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

func (m *model) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 16
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - footerHeight - helpHeight - borderSize
	if height < 8 {
		height = 8
	}
	return width, height
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tick(), waitForEvent(m.feed))
}

// blocking runs fn off the UI goroutine and reports completion.
func (m *model) blocking(what string, fn func(ctx context.Context) error) tea.Cmd {
	m.busy = what
	ctx := m.ctx
	return func() tea.Msg {
		return doneMsg{what: what, err: fn(ctx)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		w, h := m.chartSize()
		m.chart.Resize(w, h)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			// a reset or go-to may hold the runner; cancel it rather than wait
			m.cancel()
			m.runner.Stop()
			m.quitting = true
			return m, tea.Quit
		}
		if m.busy != "" {
			return m, nil
		}
		switch msg.String() {
		case " ":
			if m.runner.Toggle() {
				m.addLog("activated")
			} else {
				m.addLog("deactivated")
			}
		case "r":
			return m, m.blocking("reset", m.runner.Reset)
		case "s":
			m.addLog(fmt.Sprintf("start captured at %.2f°", m.runner.Capture(motion.Start)))
		case "e":
			m.addLog(fmt.Sprintf("end captured at %.2f°", m.runner.Capture(motion.End)))
		case "g":
			return m, m.blocking("go to start", func(ctx context.Context) error { return m.runner.GoTo(ctx, motion.Start) })
		case "G":
			return m, m.blocking("go to end", func(ctx context.Context) error { return m.runner.GoTo(ctx, motion.End) })
		}
		return m, nil

	case tickMsg:
		m.status = m.runner.Status()
		m.chart.PushDataSet(angleSet, m.status.Angle)
		m.chart.PushDataSet(targetSet, m.status.Target)
		m.chart.DrawAll()
		return m, tick()

	case eventMsg:
		e := bounce.Event(msg)
		m.addLog(describe(e))
		return m, waitForEvent(m.feed)

	case doneMsg:
		m.busy = ""
		if msg.err != nil {
			m.addLog(fmt.Sprintf("%s failed: %v", msg.what, msg.err))
		} else {
			m.addLog(msg.what + " done")
		}
		m.status = m.runner.Status()
		return m, nil
	}
	return m, nil
}

func describe(e bounce.Event) string {
	switch e.Kind {
	case bounce.EventStrike:
		return fmt.Sprintf("strike at %.2f°, returning", e.Angle)
	case bounce.EventCycle:
		return fmt.Sprintf("cycle %d/%d", e.Cycles, e.MaxCycles)
	case bounce.EventComplete:
		return fmt.Sprintf("complete after %d cycles", e.Cycles)
	case bounce.EventStallRetry:
		return fmt.Sprintf("actuator idle at %.2f°, retry %d", e.Angle, e.Retries)
	case bounce.EventStalled:
		return fmt.Sprintf("STALLED at %.2f° after %d retries", e.Angle, e.Retries)
	default:
		return e.Kind.String()
	}
}

func (m model) statusLine() string {
	s := m.status
	state := statusStyle.Render("idle")
	switch {
	case s.Stalled:
		state = alertStyle.Render("STALLED")
	case s.Complete:
		state = activeStyle.Render("COMPLETE")
	case s.Active:
		state = activeStyle.Render("ACTIVE")
	}
	line := fmt.Sprintf("%s  cycle %d/%d  %s  angle %7.2f°  target %7.2f°  [%.1f° .. %.1f°]",
		state, s.Cycles, s.MaxCycles, s.Direction, s.Angle, s.Target, s.StartAngle, s.EndAngle)
	if m.busy != "" {
		line += "  " + statusStyle.Render(m.busy+"...")
	}
	return line
}

func (m model) View() string {
	if m.quitting {
		return "Bounce dashboard closed.\n"
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("BounceGo"))
	sb.WriteString(statusStyle.Render(fmt.Sprintf("  %v tick", m.runner.Period())))
	sb.WriteString("\n")
	sb.WriteString(m.statusLine())
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")
	sb.WriteString(angleStyle.Render("━━") + " angle  " + targetStyle.Render("━━") + " target")
	sb.WriteString("\n")

	width := m.width - 4
	if width < 20 {
		width = 76
	}
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(width)
	body := statusStyle.Render("no events yet")
	if len(m.logs) > 0 {
		body = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(body))
	sb.WriteString("\n")
	sb.WriteString(statusStyle.Render("space start/stop  r reset  s/e capture start/end  g/G go to start/end  q quit"))
	sb.WriteString("\n")
	return sb.String()
}

// Run shows the dashboard until the user quits or ctx is done. The caller
// runs the runner loop; feed should be registered as the controller's observer.
func Run(ctx context.Context, runner *motion.Runner, feed EventFeed) error {
	p := tea.NewProgram(newModel(ctx, runner, feed), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
