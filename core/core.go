// Package core ties the Real-Time Scheduler, Module Coordinator,
// Control Loop, and Safety Monitor into a single per-tick pipeline
// (SPEC_FULL.md §4.5), recovering the orchestration spec.md leaves as
// an inter-component contract. Core.Tick is the one function the
// real-time timer calls; it runs every subsystem's periodic entry
// point in the fixed order spec.md §5(a) mandates: Scheduler, then
// Module poll, then Control Loop, then Safety Monitor, with output
// application as the tick's last action.
package core

import (
	"time"

	"oht50.dev/firmware/busmaster"
	"oht50.dev/firmware/motion"
	"oht50.dev/firmware/safety"
	"oht50.dev/firmware/sched"
	"oht50.dev/firmware/tick"
)

// Config bundles the periods the core's own pipeline runs at. Poll and
// control periods are absorbed internally by PollOnce/Update's own
// rate-limiting; these just set the period each TaskTiming entry
// compares its execution time against for deadline-miss accounting.
type Config struct {
	PollPeriod    time.Duration
	ControlPeriod time.Duration
}

func (c *Config) fillDefaults() {
	if c.PollPeriod <= 0 {
		c.PollPeriod = 5 * time.Millisecond
	}
	if c.ControlPeriod <= 0 {
		c.ControlPeriod = 20 * time.Millisecond
	}
}

// TaskTiming is a read-only snapshot of one of Core's three directly
// driven subsystems, mirroring sched.TaskRecord's execution-time and
// deadline-miss shape without routing the call through the Scheduler's
// priority dispatch (spec.md §5(a) fixes Module poll / Control Loop /
// Safety Monitor to run every tick in that order; a one-task-per-tick
// dispatcher cannot express "all three, unconditionally").
type TaskTiming struct {
	Name           string
	Period         time.Duration
	LastRun        tick.Tick
	MissedDeadline uint64
	AvgExecTime    time.Duration
	MaxExecTime    time.Duration
}

// taskTiming accumulates the stats behind a TaskTiming snapshot, timed
// directly around a single call rather than through a registered
// sched.TaskFunc (sched.Tick would dispatch and genuinely re-invoke a
// task registered that way, double-running the subsystem within one
// external tick).
type taskTiming struct {
	name      string
	period    time.Duration
	lastRun   tick.Tick
	haveRun   bool
	missed    uint64
	execTotal time.Duration
	execCount uint64
	execMax   time.Duration
}

func (t *taskTiming) record(clock tick.Source, run func() error) error {
	start := clock.NowTick()
	err := run()
	exec := clock.NowTick().Since(start)
	t.execTotal += exec
	t.execCount++
	if exec > t.execMax {
		t.execMax = exec
	}
	if exec > t.period {
		t.missed++
	}
	t.lastRun = start
	t.haveRun = true
	return err
}

func (t *taskTiming) snapshot() TaskTiming {
	var avg time.Duration
	if t.execCount > 0 {
		avg = t.execTotal / time.Duration(t.execCount)
	}
	return TaskTiming{
		Name: t.name, Period: t.period, LastRun: t.lastRun,
		MissedDeadline: t.missed, AvgExecTime: avg, MaxExecTime: t.execMax,
	}
}

// Core is the top-level struct constructed once by cmd/oht50fw (spec.md
// §2 "single binary, single address space").
type Core struct {
	clock   tick.Source
	sched   *sched.Scheduler
	bus     *busmaster.Coordinator
	control *motion.Loop
	safety  *safety.Monitor

	wallClock func() time.Time

	pollTiming    taskTiming
	controlTiming taskTiming
	safetyTiming  taskTiming
}

// New wires the four subsystems together. Each must already be
// constructed by the caller (cmd/oht50fw), since their own constructors
// take HAL-specific dependencies core has no opinion about. sc is driven
// every tick for its watchdog liveness token and remains available for
// any periodic work outside the fixed pipeline below; it is not used to
// dispatch Module poll, Control Loop, or Safety Monitor, since those
// three run unconditionally every tick rather than competing for the
// Scheduler's single highest-priority dispatch slot.
func New(clock tick.Source, sc *sched.Scheduler, bm *busmaster.Coordinator, ctl *motion.Loop, sm *safety.Monitor, cfg Config) (*Core, error) {
	cfg.fillDefaults()
	return &Core{
		clock: clock, sched: sc, bus: bm, control: ctl, safety: sm, wallClock: time.Now,
		pollTiming:    taskTiming{name: "module-poll", period: cfg.PollPeriod},
		controlTiming: taskTiming{name: "control-loop", period: cfg.ControlPeriod},
		safetyTiming:  taskTiming{name: "safety-monitor", period: cfg.PollPeriod},
	}, nil
}

// Tick is the real-time timer's single entry point (spec.md §5(a)). It
// runs the fixed pipeline unconditionally, in order:
//
//  1. Module Coordinator poll (rate-limited internally by PollPeriod),
//     so the Safety Monitor's critical-module check in step 3 observes
//     this tick's result (spec.md §5(b)).
//  2. Control Loop update (rate-limited internally by its sample time).
//     Its own safety pre-emption check reads the Safety Monitor's
//     snapshot as of the *previous* tick, since the Safety Monitor has
//     not run yet this tick.
//  3. Safety Monitor update.
//  4. A corrective zero: if the Safety Monitor's state after step 3 is
//     ESTOP/CRITICAL/FAULT, the Control Loop is forced to zero output
//     regardless of what step 2 computed, making output application
//     the tick's true last action and satisfying spec.md §5(c) even
//     for a transition that happens in this same tick.
//
// Each of the three calls above runs exactly once, its timing recorded
// directly rather than through a second, competing invocation via the
// Scheduler. Scheduler.Tick is still driven once per call, before step 1, for the
// watchdog liveness token the Safety Monitor reads and for any other
// periodic work registered against it; it does not gate or re-run any
// of the three subsystems above.
func (c *Core) Tick() {
	c.sched.Tick()
	now := c.clock.NowTick()
	_ = c.pollTiming.record(c.clock, func() error { return c.bus.PollOnce(now) })
	_ = c.controlTiming.record(c.clock, func() error { return c.control.Update(c.wallClock()) })
	_ = c.safetyTiming.record(c.clock, func() error { return c.safety.Update() })
	if st := c.safety.State(); st == safety.Estop || st == safety.Critical || st == safety.Fault {
		c.control.ForceEmergencyZero()
	}
	c.safety.DrainEvents()
}

// TaskTimings exposes the execution-time and deadline-miss statistics
// for Module poll, Control Loop, and Safety Monitor, in that pipeline
// order.
func (c *Core) TaskTimings() []TaskTiming {
	return []TaskTiming{c.pollTiming.snapshot(), c.controlTiming.snapshot(), c.safetyTiming.snapshot()}
}

// SchedulerStats exposes the scheduler's aggregate statistics for
// diagnostics.
func (c *Core) SchedulerStats() sched.Stats { return c.sched.Stats() }

// SafetyState exposes the Safety Monitor's published snapshot.
func (c *Core) SafetyState() safety.Snapshot { return c.safety.Snapshot() }

// ModuleRegistry exposes the Module Coordinator's published snapshot.
func (c *Core) ModuleRegistry() []busmaster.Snapshot { return c.bus.GetRegistrySnapshot() }
