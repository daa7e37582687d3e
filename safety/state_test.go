package safety

import (
	"testing"
	"time"

	"oht50.dev/firmware/events"
	"oht50.dev/firmware/tick"
)

type fakeClock struct{ now tick.Tick }

func (c *fakeClock) NowTick() tick.Tick { return c.now }
func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type fakeHAL struct {
	estop     bool
	estopErr  error
	relayOff  [2]bool
	indicator bool
}

func (h *fakeHAL) ReadEstop() (bool, error)        { return h.estop, h.estopErr }
func (h *fakeHAL) RelayOff(idx int) error          { h.relayOff[idx] = true; return nil }
func (h *fakeHAL) SetErrorIndicator(on bool) error { h.indicator = on; return nil }

type fakeCtrl struct{ zeroed int }

func (c *fakeCtrl) ForceEmergencyZero() { c.zeroed++ }

func newTestMonitor(t *testing.T) (*Monitor, *fakeHAL, *fakeCtrl, *fakeClock) {
	t.Helper()
	hal := &fakeHAL{}
	ctrl := &fakeCtrl{}
	clk := &fakeClock{}
	m, err := New(Config{EstopDebounce: time.Millisecond}, hal, ctrl, nil, nil, clk, events.Discard)
	if err != nil {
		t.Fatal(err)
	}
	return m, hal, ctrl, clk
}

func TestInitialStateIsInit(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)
	if m.State() != Init {
		t.Fatalf("expected INIT, got %v", m.State())
	}
}

func TestEstopTriggersEmergencyProcedures(t *testing.T) {
	m, hal, ctrl, clk := newTestMonitor(t)
	// Reach SAFE first via explicit reset event.
	m.ProcessEvent(events.SafetyReset, events.SeverityNone, "")
	if err := m.Update(); err != nil {
		t.Fatal(err)
	}
	if m.State() != Safe {
		t.Fatalf("expected SAFE, got %v", m.State())
	}

	hal.estop = true
	clk.advance(10 * time.Millisecond)
	if err := m.Update(); err != nil {
		t.Fatal(err)
	}
	// First confirmed sample after an unconfirmed state change requires a
	// second sample at least Debounce apart; drive one more tick.
	clk.advance(10 * time.Millisecond)
	if err := m.Update(); err != nil {
		t.Fatal(err)
	}
	if m.State() != Estop {
		t.Fatalf("expected ESTOP after debounced trigger, got %v", m.State())
	}
	if !hal.relayOff[0] || !hal.relayOff[1] {
		t.Fatal("expected both relays de-energized")
	}
	if !hal.indicator {
		t.Fatal("expected error indicator asserted")
	}
	if ctrl.zeroed == 0 {
		t.Fatal("expected control loop to be zeroed")
	}
}

func TestResetFailsWhileEstopHardwareAsserted(t *testing.T) {
	m, hal, _, _ := newTestMonitor(t)
	if err := m.TriggerEmergencyStop("test"); err != nil {
		t.Fatal(err)
	}
	hal.estop = true
	if err := m.Reset(); err == nil {
		t.Fatal("expected Reset to fail while hardware E-Stop still asserted")
	}
	hal.estop = false
	if err := m.Reset(); err != nil {
		t.Fatalf("expected Reset to succeed once released: %v", err)
	}
	if m.State() != Safe {
		t.Fatalf("expected SAFE after reset, got %v", m.State())
	}
}

func TestZoneViolationTransitionsToWarning(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)
	m.ProcessEvent(events.SafetyReset, events.SeverityNone, "")
	m.Update()

	m.cfg.ZonesEnabled = true
	if err := m.SetZoneConfig(0, ZoneConfig{
		ID: 0, MinDistance: 100, MaxDistance: 1000, MinAngle: -180, MaxAngle: 180, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	m.SetZoneSample(0, ZoneSample{Distance: 50}) // below MinDistance
	m.Update()
	if m.State() != Warning {
		t.Fatalf("expected WARNING after zone violation, got %v", m.State())
	}
}

func TestCommunicationLostSafetySeverityEscalatesToEstop(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)
	m.ProcessEvent(events.SafetyReset, events.SeverityNone, "")
	m.Update()

	m.ProcessEvent(events.CommunicationLost, events.SeveritySafety, "module 3")
	m.Update()
	if m.State() != Estop {
		t.Fatalf("expected ESTOP on SAFETY-severity comm loss, got %v", m.State())
	}
}

func TestAtMostOneTransitionPerUpdate(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)
	m.ProcessEvent(events.SafetyReset, events.SeverityNone, "")
	m.ProcessEvent(events.EstopTriggered, events.SeverityNone, "")
	before := m.transitionCount
	m.Update()
	if m.transitionCount != before+1 {
		t.Fatalf("expected exactly one committed transition, got %d new", m.transitionCount-before)
	}
}

func TestEstopActiveReflectsUnsafeStates(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)
	if !m.EstopActive() {
		t.Fatal("INIT should report EstopActive (not yet SAFE)")
	}
	m.ProcessEvent(events.SafetyReset, events.SeverityNone, "")
	m.Update()
	if m.EstopActive() {
		t.Fatal("SAFE should not report EstopActive")
	}
}
