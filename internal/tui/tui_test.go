package tui

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cjeanneret/BounceGo/internal/actuator"
	"github.com/cjeanneret/BounceGo/internal/logic/bounce"
	"github.com/cjeanneret/BounceGo/internal/logic/motion"
)

func newTestModel(t *testing.T) (model, *actuator.Sim, EventFeed) {
	t.Helper()
	sim := actuator.NewSim(actuator.SimConfig{})
	c := bounce.New(bounce.Config{
		StartAngle:      0,
		EndAngle:        30,
		MaxCycles:       3,
		MaxVelocity:     200_000,
		MaxAcceleration: 2_000_000,
		PollInterval:    time.Millisecond,
		WaitTimeout:     5 * time.Second,
	})
	feed := NewEventFeed()
	c.SetObserver(feed)
	if err := c.Initialize(context.Background(), sim); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	r := motion.NewRunner(c, time.Millisecond)
	return newModel(context.Background(), r, feed), sim, feed
}

func key(s string) tea.KeyMsg {
	if s == " " {
		return tea.KeyMsg{Type: tea.KeySpace}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return nm, cmd
}

func TestEventFeed_DropsWhenFull(t *testing.T) {
	f := make(EventFeed, 1)
	f.Notify(bounce.Event{Kind: bounce.EventStrike})
	f.Notify(bounce.Event{Kind: bounce.EventCycle})
	if len(f) != 1 {
		t.Fatalf("queued = %d, want 1", len(f))
	}
	if e := <-f; e.Kind != bounce.EventStrike {
		t.Errorf("kept %v, want strike", e.Kind)
	}
}

func TestModel_SpaceToggles(t *testing.T) {
	m, _, _ := newTestModel(t)

	m, _ = update(t, m, key(" "))
	if !m.runner.Active() {
		t.Fatal("space should activate the runner")
	}
	m, _ = update(t, m, key(" "))
	if m.runner.Active() {
		t.Fatal("second space should deactivate the runner")
	}
	if got := strings.Join(m.logs, "|"); got != "activated|deactivated" {
		t.Errorf("logs = %q", got)
	}
}

func TestModel_TickPushesStatus(t *testing.T) {
	m, _, feed := newTestModel(t)
	m, _ = update(t, m, key(" "))
	m.runner.Tick()

	m, cmd := update(t, m, tickMsg(time.Now()))
	if cmd == nil {
		t.Error("tick should schedule the next tick")
	}
	if m.status.Target != 30 {
		t.Errorf("target = %v, want 30", m.status.Target)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(feed) == 0 && time.Now().Before(deadline) {
		m.runner.Tick()
		time.Sleep(time.Millisecond)
	}
	if len(feed) == 0 {
		t.Fatal("no event before the deadline")
	}
	m, cmd = update(t, m, eventMsg(<-feed))
	if cmd == nil {
		t.Error("event should re-arm the feed")
	}
	if len(m.logs) == 0 || !strings.Contains(m.logs[len(m.logs)-1], "strike") {
		t.Errorf("logs = %v", m.logs)
	}
}

func TestModel_CaptureKeys(t *testing.T) {
	m, sim, _ := newTestModel(t)
	sim.MoveToAngle(12)
	deadline := time.Now().Add(2 * time.Second)
	for moving, _ := sim.IsMoving(); moving && time.Now().Before(deadline); moving, _ = sim.IsMoving() {
		time.Sleep(time.Millisecond)
	}

	m, _ = update(t, m, key("e"))
	if got := m.runner.Status().EndAngle; got < 11.5 || got > 12.5 {
		t.Errorf("end angle = %v, want ≈12", got)
	}
	if !strings.Contains(m.logs[len(m.logs)-1], "end captured") {
		t.Errorf("logs = %v", m.logs)
	}
}

func TestModel_ResetRunsInCommand(t *testing.T) {
	m, _, _ := newTestModel(t)

	m, cmd := update(t, m, key("r"))
	if cmd == nil {
		t.Fatal("reset should return a command")
	}
	if m.busy != "reset" {
		t.Errorf("busy = %q, want reset", m.busy)
	}
	// keys other than quit are ignored while busy
	m, _ = update(t, m, key(" "))
	if m.runner.Active() {
		t.Error("toggle accepted while busy")
	}

	done, ok := cmd().(doneMsg)
	if !ok || done.err != nil {
		t.Fatalf("reset command returned %+v", done)
	}
	m, _ = update(t, m, done)
	if m.busy != "" {
		t.Errorf("busy = %q after done", m.busy)
	}
	if m.logs[len(m.logs)-1] != "reset done" {
		t.Errorf("logs = %v", m.logs)
	}
}

func TestModel_DoneWithError(t *testing.T) {
	m, _, _ := newTestModel(t)
	m.busy = "go to end"
	m, _ = update(t, m, doneMsg{what: "go to end", err: errors.New("timeout")})
	if got := m.logs[len(m.logs)-1]; got != "go to end failed: timeout" {
		t.Errorf("log = %q", got)
	}
}

func TestModel_QuitStopsRunner(t *testing.T) {
	m, _, _ := newTestModel(t)
	m, _ = update(t, m, key(" "))
	m, cmd := update(t, m, key("q"))
	if cmd == nil {
		t.Fatal("quit should return tea.Quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected QuitMsg")
	}
	if m.runner.Active() {
		t.Error("runner still active after quit")
	}
	if !strings.Contains(m.View(), "closed") {
		t.Errorf("view after quit = %q", m.View())
	}
}

// stuckDriver reports motion forever once stuck is set.
type stuckDriver struct {
	*actuator.Sim
	stuck atomic.Bool
}

func (d *stuckDriver) IsMoving() (bool, error) {
	if d.stuck.Load() {
		return true, nil
	}
	return d.Sim.IsMoving()
}

func TestModel_QuitCancelsBlockingCommand(t *testing.T) {
	drv := &stuckDriver{Sim: actuator.NewSim(actuator.SimConfig{})}
	c := bounce.New(bounce.Config{
		StartAngle:      0,
		EndAngle:        30,
		MaxCycles:       3,
		MaxVelocity:     200_000,
		MaxAcceleration: 2_000_000,
		PollInterval:    time.Millisecond,
	})
	if err := c.Initialize(context.Background(), drv); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	drv.stuck.Store(true)
	m := newModel(context.Background(), motion.NewRunner(c, time.Millisecond), nil)

	m, cmd := update(t, m, key("r"))
	if cmd == nil {
		t.Fatal("reset should return a command")
	}
	result := make(chan tea.Msg, 1)
	go func() { result <- cmd() }()
	time.Sleep(20 * time.Millisecond)

	quit := make(chan model, 1)
	go func() {
		next, _ := m.Update(key("q"))
		quit <- next.(model)
	}()
	select {
	case m = <-quit:
	case <-time.After(time.Second):
		t.Fatal("quit blocked behind the reset")
	}
	if m.runner.Active() {
		t.Error("runner still active after quit")
	}

	select {
	case msg := <-result:
		done, ok := msg.(doneMsg)
		if !ok || !errors.Is(done.err, context.Canceled) {
			t.Errorf("reset command returned %+v, want context.Canceled", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reset did not return after quit")
	}
}

func TestModel_LogsAreCapped(t *testing.T) {
	m, _, _ := newTestModel(t)
	for i := 0; i < maxLogs+3; i++ {
		m.addLog("line")
	}
	if len(m.logs) != maxLogs {
		t.Errorf("logs = %d, want %d", len(m.logs), maxLogs)
	}
}

func TestModel_ViewAndResize(t *testing.T) {
	m, _, _ := newTestModel(t)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	if w, h := m.chartSize(); w != 116 || h != 27 {
		t.Errorf("chart size = %dx%d, want 116x27", w, h)
	}

	v := m.View()
	for _, want := range []string{"BounceGo", "cycle 0/3", "no events yet", "q quit"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		e    bounce.Event
		want string
	}{
		{bounce.Event{Kind: bounce.EventCycle, Cycles: 2, MaxCycles: 5}, "cycle 2/5"},
		{bounce.Event{Kind: bounce.EventComplete, Cycles: 5}, "complete after 5 cycles"},
		{bounce.Event{Kind: bounce.EventStalled, Angle: 3, Retries: 4}, "STALLED at 3.00° after 4 retries"},
		{bounce.Event{Kind: bounce.EventReset}, bounce.EventReset.String()},
	}
	for _, tt := range tests {
		if got := describe(tt.e); got != tt.want {
			t.Errorf("describe(%v) = %q, want %q", tt.e.Kind, got, tt.want)
		}
	}
}
