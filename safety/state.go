// Package safety implements the Safety Monitor (spec.md §4.3): the
// authoritative priority state machine that fuses E-Stop, zone,
// interlock, sensor, critical-module, and watchdog signals into one
// safety state, and alone authorizes motion. No other component writes
// the authoritative state; others request transitions only by emitting
// events (spec.md §3 "Ownership").
package safety

import (
	"time"

	"oht50.dev/firmware/events"
	"oht50.dev/firmware/ohterr"
	"oht50.dev/firmware/tick"
)

// State is the authoritative safety state (spec.md §3 "Safety State").
type State int

const (
	Init State = iota
	Safe
	Warning
	Critical
	Estop
	Fault
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Safe:
		return "SAFE"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	case Estop:
		return "ESTOP"
	case Fault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// transitions implements the one-way-gated table in spec.md §4.3. The
// zero value (no entry) means "no transition" (the "-" and "x" cells
// collapse to the same no-op from the state machine's point of view;
// forbidden transitions are simply absent from the map rather than
// tracked separately, since both have identical runtime behavior).
var transitions = map[State]map[events.Kind]State{
	Init: {
		events.EstopTriggered:         Estop,
		events.CommunicationLost:      Fault,
		events.WatchdogTimeout:        Fault,
		events.EmergencyStopRequested: Estop,
		events.SafetyReset:            Safe,
	},
	Safe: {
		events.EstopTriggered:         Estop,
		events.ZoneViolation:          Warning,
		events.InterlockOpen:          Critical,
		events.SensorFault:            Critical,
		events.CommunicationLost:      Critical, // severity resolved at dispatch; SAFETY overridden to ESTOP below
		events.WatchdogTimeout:        Fault,
		events.EmergencyStopRequested: Estop,
	},
	Warning: {
		events.EstopTriggered:         Estop,
		events.InterlockOpen:          Critical,
		events.SensorFault:            Critical,
		events.CommunicationLost:      Critical,
		events.WatchdogTimeout:        Fault,
		events.EmergencyStopRequested: Estop,
		events.SafetyReset:            Safe,
	},
	Critical: {
		events.EstopTriggered:         Estop,
		events.CommunicationLost:      Estop,
		events.WatchdogTimeout:        Fault,
		events.EmergencyStopRequested: Estop,
		events.SafetyReset:            Safe,
	},
	// Estop and Fault: the only table-driven entry is
	// EmergencyStopRequested. The way back to SAFE is Reset(), gated on
	// the hardware input being released (spec.md §4.3 footnote *).
	Estop: {
		events.EmergencyStopRequested: Estop, // idempotent re-trigger, counted
	},
	Fault: {
		events.EmergencyStopRequested: Estop,
	},
}

// commLostTarget resolves the CommunicationLost transition, since its
// target depends on the reported severity (SAFETY escalates straight
// to ESTOP from SAFE, WARNING and CRITICAL; every other case follows
// the table above, so INIT goes to FAULT).
func commLostTarget(from State, sev events.Severity) (State, bool) {
	if sev == events.SeveritySafety {
		switch from {
		case Safe, Warning, Critical:
			return Estop, true
		}
	}
	row, ok := transitions[from]
	if !ok {
		return from, false
	}
	to, ok := row[events.CommunicationLost]
	return to, ok
}

// Event is a queued, not-yet-applied safety event.
type Event struct {
	Kind     events.Kind
	Severity events.Severity
	Detail   string
}

// HAL is the narrow set of hardware contacts the monitor drives
// directly: the E-Stop input, the two de-energize relays, and the
// error indicator (spec.md §4.3 init, "Emergency procedures").
type HAL interface {
	ReadEstop() (bool, error)
	RelayOff(idx int) error
	SetErrorIndicator(on bool) error
}

// ControlSink is the Control Loop's zeroing contact (spec.md §9 breaks
// the cyclic reference): the monitor de-energizes the relays through
// its HAL and calls ForceEmergencyZero, which zeroes the actuator
// through the Control Loop's own Actuator and marks it EMERGENCY,
// rather than reaching back into its internals.
type ControlSink interface {
	ForceEmergencyZero()
}

// ZoneConfig, InterlockConfig, and SensorConfig are indexed,
// bounds-checked configuration entries (spec.md §3).
type ZoneConfig struct {
	ID               int
	MinDistance      float64
	MaxDistance      float64
	MinAngle         float64
	MaxAngle         float64
	ViolationTimeout time.Duration
	Enabled          bool
}

type InterlockKind int

const (
	InterlockDoor InterlockKind = iota
	InterlockGate
	InterlockLightCurtain
	InterlockEstopInput
	InterlockGenericSensor
)

type InterlockConfig struct {
	ID              int
	Kind            InterlockKind
	NormallyClosed  bool
	Timeout         time.Duration
	Enabled         bool
}

type SensorConfig struct {
	ID          int
	Kind        string
	Threshold   float64
	CheckPeriod time.Duration
	Timeout     time.Duration
	Enabled     bool
}

// Limits from spec.md §3.
const (
	MaxZones      = 8
	MaxInterlocks = 16
	MaxSensors    = 32
)

// ZoneSample, InterlockSample, and SensorSample are the latest
// per-entity readings supplied by external collaborators (range
// finders, door switches, generic sensors) at each check; the monitor
// itself owns no device drivers for them (spec.md §1 "low-level
// serial/GPIO/LED device primitives" are out of scope).
type ZoneSample struct {
	Distance float64
	Angle    float64
	Stale    bool
}

type InterlockSample struct {
	Closed bool
	Stale  bool
}

type SensorSample struct {
	Value float64
	Stale bool
}

// ModuleLiveness reports whether a registered module with a given
// criticality has communicated within its timeout (spec.md §4.3 step
// 5). The Module Coordinator implements this.
type ModuleLiveness interface {
	// CriticalModulesOverdue returns, for every registered module whose
	// criticality is SAFETY or CRITICAL, those that have not
	// communicated successfully within their timeout, tagged with
	// their criticality severity.
	CriticalModulesOverdue(now tick.Tick) []Overdue
}

type Overdue struct {
	Address  byte
	Severity events.Severity
}

// Watchdog reports the scheduler's liveness token (spec.md §4.3 step
// 6).
type Watchdog interface {
	WatchdogToken() uint64
}

// Config configures the monitor (spec.md §4.3 init). Any of the
// monitoring subsystems may be individually disabled; the E-Stop input
// is always polled.
type Config struct {
	EstopDebounce time.Duration
	EstopBudget   time.Duration // default 100ms (spec.md §5 "E-Stop pre-emption budget")

	ZonesEnabled      bool
	ZonePeriod        time.Duration
	Zones             [MaxZones]ZoneConfig

	InterlocksEnabled bool
	InterlockPeriod   time.Duration
	Interlocks        [MaxInterlocks]InterlockConfig

	SensorsEnabled bool
	SensorPeriod   time.Duration
	Sensors        [MaxSensors]SensorConfig

	WatchdogEnabled bool
	WatchdogPeriod  time.Duration

	EventQueueDepth int
}

func (c *Config) fillDefaults() {
	if c.EstopBudget <= 0 {
		c.EstopBudget = 100 * time.Millisecond
	}
	if c.EstopDebounce <= 0 {
		c.EstopDebounce = 10 * time.Millisecond
	}
	if c.EventQueueDepth <= 0 {
		c.EventQueueDepth = 16
	}
}

// Monitor is the Safety Monitor (spec.md §4.3).
type Monitor struct {
	cfg   Config
	hal   HAL
	ctrl  ControlSink
	bus   *events.Bus
	clock tick.Source

	state           State
	prevState       State
	entryTick       tick.Tick
	lastSafeTick    tick.Tick
	haveLastSafe    bool
	transitionCount uint64
	violationCount  uint64
	faultCount      uint64
	lastEventKind   events.Kind

	queue []Event

	estopLine    *debouncer
	estopAsserted bool
	haveEstop     bool

	zoneLastCheck      tick.Tick
	interlockLastCheck tick.Tick
	sensorLastCheck    tick.Tick
	watchdogLastCheck  tick.Tick
	watchdogLastToken  uint64
	haveWatchdogToken  bool

	zoneSamples      map[int]ZoneSample
	interlockSamples map[int]InterlockSample
	sensorSamples    map[int]SensorSample

	moduleLiveness ModuleLiveness
	watchdog       Watchdog

	initialized bool
}

type debouncer struct {
	debounce  time.Duration
	confirmed bool
	have      bool
	candidate bool
	since     tick.Tick
}

func (d *debouncer) sample(raw bool, now tick.Tick) bool {
	if !d.have {
		d.confirmed, d.have = raw, true
		return d.confirmed
	}
	if raw == d.confirmed {
		return d.confirmed
	}
	if raw != d.candidate || d.since == 0 {
		d.candidate = raw
		d.since = now
		return d.confirmed
	}
	if now.Since(d.since) >= d.debounce {
		d.confirmed = raw
	}
	return d.confirmed
}

// New constructs a Monitor (spec.md §4.3 init). hal and clock must be
// non-nil; ctrl, moduleLiveness, and watchdog may be nil if those
// integrations are not wired (tests commonly omit them).
func New(cfg Config, hal HAL, ctrl ControlSink, moduleLiveness ModuleLiveness, watchdog Watchdog, clock tick.Source, sink events.Sink) (*Monitor, error) {
	if hal == nil || clock == nil {
		return nil, ohterr.New(ohterr.InvalidArgument, "hal and clock are required", nil)
	}
	cfg.fillDefaults()
	m := &Monitor{
		cfg: cfg, hal: hal, ctrl: ctrl, clock: clock,
		bus:              events.NewBus(cfg.EventQueueDepth, sink),
		moduleLiveness:   moduleLiveness,
		watchdog:         watchdog,
		state:            Init,
		prevState:        Init,
		zoneSamples:      make(map[int]ZoneSample),
		interlockSamples: make(map[int]InterlockSample),
		sensorSamples:    make(map[int]SensorSample),
		estopLine:        &debouncer{debounce: cfg.EstopDebounce},
		initialized:      true,
	}
	m.entryTick = clock.NowTick()
	return m, nil
}

func (m *Monitor) checkInit() error {
	if !m.initialized {
		return ohterr.New(ohterr.NotInitialized, "safety monitor not initialized", nil)
	}
	return nil
}

// SetZoneConfig, SetInterlockConfig, SetSensorConfig update indexed
// configuration with bounds checks (spec.md §4.3).
func (m *Monitor) SetZoneConfig(idx int, c ZoneConfig) error {
	if idx < 0 || idx >= MaxZones {
		return ohterr.New(ohterr.InvalidArgument, "zone index out of range", nil)
	}
	m.cfg.Zones[idx] = c
	return nil
}

func (m *Monitor) SetInterlockConfig(idx int, c InterlockConfig) error {
	if idx < 0 || idx >= MaxInterlocks {
		return ohterr.New(ohterr.InvalidArgument, "interlock index out of range", nil)
	}
	m.cfg.Interlocks[idx] = c
	return nil
}

func (m *Monitor) SetSensorConfig(idx int, c SensorConfig) error {
	if idx < 0 || idx >= MaxSensors {
		return ohterr.New(ohterr.InvalidArgument, "sensor index out of range", nil)
	}
	m.cfg.Sensors[idx] = c
	return nil
}

// SetZoneSample, SetInterlockSample, SetSensorSample feed the latest
// external reading for an entity; Update consumes these at each
// entity's configured check period.
func (m *Monitor) SetZoneSample(idx int, s ZoneSample) { m.zoneSamples[idx] = s }
func (m *Monitor) SetInterlockSample(idx int, s InterlockSample) {
	m.interlockSamples[idx] = s
}
func (m *Monitor) SetSensorSample(idx int, s SensorSample) { m.sensorSamples[idx] = s }

// State returns the current authoritative safety state.
func (m *Monitor) State() State { return m.state }

// IsSafe returns true iff the current state is SAFE.
func (m *Monitor) IsSafe() bool { return m.state == Safe }

// EstopActive reports whether motion must be held at zero: true for
// every state except SAFE, including INIT before the monitor has ever
// reached a known-good state. Used by the Control Loop's SafetyQuery
// contract (motion.SafetyQuery), satisfying spec.md §9's snapshot-based
// decoupling.
func (m *Monitor) EstopActive() bool {
	return m.state != Safe
}

// ProcessEvent pushes an asynchronous event into the state machine
// (spec.md §4.3 process_event): non-blocking, applied on the next
// Update's event-drain step.
func (m *Monitor) ProcessEvent(kind events.Kind, severity events.Severity, detail string) {
	m.queue = append(m.queue, Event{Kind: kind, Severity: severity, Detail: detail})
}

// TriggerEmergencyStop unconditionally transitions to ESTOP and runs
// emergency procedures (spec.md §4.3 trigger_emergency_stop). It always
// succeeds once initialized.
func (m *Monitor) TriggerEmergencyStop(reason string) error {
	if err := m.checkInit(); err != nil {
		return err
	}
	m.applyTransition(Estop, events.EmergencyStopRequested, reason)
	m.runEmergencyProcedures()
	return nil
}

// Reset re-enters SAFE from ESTOP/FAULT (spec.md §4.3 reset). It fails
// with HardwareEstopStillActive (surfaced as ohterr.SafetyViolation)
// when the physical input is still asserted.
func (m *Monitor) Reset() error {
	if err := m.checkInit(); err != nil {
		return err
	}
	if m.state != Estop && m.state != Fault {
		return nil
	}
	asserted, err := m.hal.ReadEstop()
	if err != nil {
		return ohterr.New(ohterr.HardwareFault, "read estop during reset", err)
	}
	if asserted {
		return ohterr.New(ohterr.SafetyViolation, "hardware estop still active", nil)
	}
	if m.state == Fault {
		// FAULT cannot return to INIT and only exits via explicit
		// reset too, but per the transition table FAULT's
		// SAFETY_RESET target is SAFE, same as ESTOP's.
	}
	m.applyTransition(Safe, events.SafetyReset, "")
	return nil
}

// runEmergencyProcedures executes spec.md §4.3's "Emergency
// procedures": zero the Control Loop, de-energize both relays, assert
// the error indicator, emit an audit event. HAL failures here escalate
// to FAULT (spec.md "Failure semantics": "the monitor never silently
// absorbs a failed safety actuation").
func (m *Monitor) runEmergencyProcedures() {
	if m.ctrl != nil {
		m.ctrl.ForceEmergencyZero()
	}
	var halErr error
	for _, idx := range []int{0, 1} {
		if err := m.hal.RelayOff(idx); err != nil {
			halErr = err
		}
	}
	if err := m.hal.SetErrorIndicator(true); err != nil {
		halErr = err
	}
	if halErr != nil {
		m.faultCount++
		m.prevState = m.state
		m.state = Fault
		m.bus.Emit(events.Event{Kind: events.CommunicationLost, Severity: events.SeveritySafety, Detail: "emergency procedure HAL failure"})
		return
	}
	m.bus.Emit(events.Event{Kind: events.EmergencyStopRequested, Detail: "emergency procedures completed"})
}

// applyTransition commits a state change, updating the retained
// metadata (spec.md §3 "Safety State"), and emits the triggering event.
// At most one transition is committed per call; callers (the event
// drain loop) enforce the "at most one per update" invariant by calling
// this at most once per Update.
func (m *Monitor) applyTransition(to State, kind events.Kind, detail string) {
	m.prevState = m.state
	m.state = to
	m.entryTick = m.clock.NowTick()
	m.transitionCount++
	m.lastEventKind = kind
	if to == Warning || to == Critical || to == Estop {
		m.violationCount++
	}
	if to == Fault {
		m.faultCount++
	}
	if to == Safe {
		m.lastSafeTick = m.entryTick
		m.haveLastSafe = true
	}
	sev := events.SeverityNone
	m.bus.Emit(events.Event{Kind: kind, Severity: sev, Detail: detail})
}

// Update is the periodic entry point (spec.md §4.3), driving one full
// integration cycle.
func (m *Monitor) Update() error {
	if err := m.checkInit(); err != nil {
		return err
	}
	now := m.clock.NowTick()

	// Step 1: E-Stop poll, always.
	raw, err := m.hal.ReadEstop()
	if err != nil {
		m.queue = append(m.queue, Event{Kind: events.CommunicationLost, Severity: events.SeveritySafety, Detail: "estop read failed"})
	} else {
		confirmed := m.estopLine.sample(raw, now)
		if !m.haveEstop {
			m.estopAsserted, m.haveEstop = confirmed, true
		} else if confirmed != m.estopAsserted {
			m.estopAsserted = confirmed
			if confirmed {
				m.queue = append(m.queue, Event{Kind: events.EstopTriggered})
			} else {
				m.queue = append(m.queue, Event{Kind: events.EstopReset})
			}
		}
	}

	// Step 2: zone check.
	if m.cfg.ZonesEnabled && now.Since(m.zoneLastCheck) >= m.cfg.ZonePeriod {
		m.zoneLastCheck = now
		for i, z := range m.cfg.Zones {
			if !z.Enabled {
				continue
			}
			s, ok := m.zoneSamples[i]
			if !ok || s.Stale {
				continue
			}
			if s.Distance < z.MinDistance || s.Distance > z.MaxDistance ||
				s.Angle < z.MinAngle || s.Angle > z.MaxAngle {
				m.queue = append(m.queue, Event{Kind: events.ZoneViolation, Detail: zoneDetail(z.ID)})
			}
		}
	}

	// Step 3: interlock check.
	if m.cfg.InterlocksEnabled && now.Since(m.interlockLastCheck) >= m.cfg.InterlockPeriod {
		m.interlockLastCheck = now
		for i, il := range m.cfg.Interlocks {
			if !il.Enabled {
				continue
			}
			s, ok := m.interlockSamples[i]
			if !ok {
				continue
			}
			wantClosed := il.NormallyClosed
			mismatch := s.Stale || s.Closed != wantClosed
			if mismatch {
				m.queue = append(m.queue, Event{Kind: events.InterlockOpen, Detail: zoneDetail(il.ID)})
			}
		}
	}

	// Step 4: sensor check.
	if m.cfg.SensorsEnabled && now.Since(m.sensorLastCheck) >= m.cfg.SensorPeriod {
		m.sensorLastCheck = now
		for i, sc := range m.cfg.Sensors {
			if !sc.Enabled {
				continue
			}
			s, ok := m.sensorSamples[i]
			if !ok || s.Stale || s.Value > sc.Threshold {
				m.queue = append(m.queue, Event{Kind: events.SensorFault, Detail: zoneDetail(sc.ID)})
			}
		}
	}

	// Step 5: critical-module check, every update.
	if m.moduleLiveness != nil {
		for _, o := range m.moduleLiveness.CriticalModulesOverdue(now) {
			m.queue = append(m.queue, Event{Kind: events.CommunicationLost, Severity: o.Severity, Detail: moduleDetail(o.Address)})
		}
	}

	// Step 6: watchdog check.
	if m.cfg.WatchdogEnabled && m.watchdog != nil && now.Since(m.watchdogLastCheck) >= m.cfg.WatchdogPeriod {
		m.watchdogLastCheck = now
		token := m.watchdog.WatchdogToken()
		if m.haveWatchdogToken && token == m.watchdogLastToken {
			m.queue = append(m.queue, Event{Kind: events.WatchdogTimeout})
		}
		m.watchdogLastToken = token
		m.haveWatchdogToken = true
	}

	// Step 7: event drain, FIFO, at most one transition committed.
	m.drainOneTransition()
	return nil
}

func zoneDetail(id int) string {
	return "id=" + itoa(id)
}

func moduleDetail(addr byte) string {
	return "addr=" + itoa(int(addr))
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// drainOneTransition applies the queued events in FIFO order through
// the transition table, committing at most one state transition
// (spec.md §4.3 step 7, §8 invariant 3). Events that do not produce a
// transition (forbidden, or a same-state no-op) are still consumed so
// the queue does not grow unbounded; any remaining events stay queued
// for the next Update.
func (m *Monitor) drainOneTransition() {
	committed := false
	remaining := m.queue[:0]
	for _, ev := range m.queue {
		if committed {
			remaining = append(remaining, ev)
			continue
		}
		var to State
		var ok bool
		if ev.Kind == events.CommunicationLost {
			to, ok = commLostTarget(m.state, ev.Severity)
		} else if ev.Kind == events.EmergencyStopRequested && (m.state == Estop) {
			// Idempotent re-trigger: counted, stays in ESTOP.
			m.transitionCount++
			m.lastEventKind = ev.Kind
			m.runEmergencyProcedures()
			committed = true
			continue
		} else {
			row := transitions[m.state]
			to, ok = row[ev.Kind]
		}
		if !ok || to == m.state {
			continue
		}
		m.applyTransition(to, ev.Kind, ev.Detail)
		if to == Estop {
			m.runEmergencyProcedures()
		}
		committed = true
	}
	m.queue = append([]Event(nil), remaining...)
}

// Snapshot is the read-only published state the Control Loop and other
// collaborators observe (spec.md §3 "Shared-read fields ... published
// by their owner and consumed by others through an explicit snapshot").
type Snapshot struct {
	State           State
	PreviousState   State
	EntryTick       tick.Tick
	LastEventKind   events.Kind
	ViolationCount  uint64
	FaultCount      uint64
	TransitionCount uint64
	LastSafeTick    tick.Tick
	HaveLastSafe    bool
}

// Snapshot returns the current published state.
func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		State: m.state, PreviousState: m.prevState, EntryTick: m.entryTick,
		LastEventKind: m.lastEventKind, ViolationCount: m.violationCount,
		FaultCount: m.faultCount, TransitionCount: m.transitionCount,
		LastSafeTick: m.lastSafeTick, HaveLastSafe: m.haveLastSafe,
	}
}

// DrainEvents delivers queued audit/notification events to the sink;
// the core calls this once per tick after Update.
func (m *Monitor) DrainEvents() int {
	return m.bus.DrainAll()
}

// DroppedEvents returns the count of events dropped due to queue
// overflow (spec.md §4.3 "Failure semantics").
func (m *Monitor) DroppedEvents() uint64 {
	return m.bus.Dropped
}
