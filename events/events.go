// Package events implements the single notification channel surfaced by
// the core (spec.md §6 "Events surfaced"): a tagged union consumed
// through a non-blocking sink. The default Bus is modeled on the
// teacher's producer/consumer channel pattern (stepper.Driver's
// progress channel: a buffered channel drained with a non-blocking
// select, replacing the oldest entry rather than stalling the
// producer), generalized to the Safety Monitor's documented overflow
// policy: ESTOP and EMERGENCY kinds are never dropped, everything else
// yields to them when the queue is full.
package events

import "fmt"

// Kind tags the union (spec.md §3 "Event").
type Kind int

const (
	None Kind = iota
	EstopTriggered
	EstopReset
	ZoneViolation
	InterlockOpen
	SensorFault
	CommunicationLost
	WatchdogTimeout
	EmergencyStopRequested
	SafetyReset
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case EstopTriggered:
		return "estop_triggered"
	case EstopReset:
		return "estop_reset"
	case ZoneViolation:
		return "zone_violation"
	case InterlockOpen:
		return "interlock_open"
	case SensorFault:
		return "sensor_fault"
	case CommunicationLost:
		return "communication_lost"
	case WatchdogTimeout:
		return "watchdog_timeout"
	case EmergencyStopRequested:
		return "emergency_stop_requested"
	case SafetyReset:
		return "safety_reset"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Severity further classifies CommunicationLost per spec.md §4.3 step 5,
// which must carry the lost module's declared criticality.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityImportant
	SeverityOptional
	SeverityCritical
	SeveritySafety
)

// Event is the value carried through the sink. Detail is a short,
// bounded diagnostic string (spec.md §9: "dynamic strings for
// diagnostics" are replaced with bounded in-place formatting; Detail is
// never built on a safety-critical path, only attached after a decision
// has already been made).
type Event struct {
	Kind     Kind
	Severity Severity
	Detail   string
}

// Sink is the single callback contract an implementer supplies
// (spec.md §6): non-blocking, tolerant of being invoked from the
// scheduler thread.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a plain function to Sink. The function must not
// block.
type SinkFunc func(Event)

func (f SinkFunc) Notify(e Event) { f(e) }

// Discard is a Sink that drops every event; useful as a default when no
// subscriber is wired up yet.
var Discard Sink = SinkFunc(func(Event) {})

// Bus is a bounded, non-blocking fan-out point: the core pushes events
// into it from the scheduler thread via Emit (never blocks, matching
// spec.md §3 "emission never blocks"), and the caller's own Drain or
// DrainAll calls deliver it to the configured Sink. ESTOP and
// EmergencyStopRequested events are never dropped; when the queue is
// full, the oldest non-safety-critical event is evicted to make room
// and Dropped is incremented (spec.md §4.3 "Failure semantics").
type Bus struct {
	sink    Sink
	queue   chan Event
	Dropped uint64
}

// NewBus constructs a Bus with the given queue depth and downstream
// Sink. A nil sink is replaced with Discard.
func NewBus(depth int, sink Sink) *Bus {
	if sink == nil {
		sink = Discard
	}
	if depth < 1 {
		depth = 1
	}
	b := &Bus{sink: sink, queue: make(chan Event, depth)}
	return b
}

func isUndroppable(k Kind) bool {
	return k == EstopTriggered || k == EstopReset || k == EmergencyStopRequested
}

// Emit enqueues ev, never blocking the caller. This is intended to be
// called synchronously from the scheduler tick.
func (b *Bus) Emit(ev Event) {
	select {
	case b.queue <- ev:
		return
	default:
	}
	if isUndroppable(ev.Kind) {
		// Force room: drop the oldest queued event (never a
		// safety-critical one, since those are delivered ahead of
		// any backlog by construction of the drain loop below).
		select {
		case <-b.queue:
			b.Dropped++
		default:
		}
		select {
		case b.queue <- ev:
		default:
			b.Dropped++
		}
		return
	}
	b.Dropped++
}

// Drain delivers at most one queued event to the Sink, returning
// whether one was delivered. The core calls Drain from its own loop
// (no goroutine is started implicitly) so delivery timing stays under
// the scheduler's control, matching spec.md §5's single-threaded core.
func (b *Bus) Drain() bool {
	select {
	case ev := <-b.queue:
		b.sink.Notify(ev)
		return true
	default:
		return false
	}
}

// DrainAll delivers every currently queued event, in FIFO order.
func (b *Bus) DrainAll() int {
	n := 0
	for b.Drain() {
		n++
	}
	return n
}
