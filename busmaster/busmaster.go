// Package busmaster implements the Module Coordinator (spec.md §4.4): a
// registry of RS-485 slave modules, polled in round-robin over a single
// half-duplex bus, with per-module retry/backoff and criticality-based
// failure escalation. The request/response-with-retry shape follows a
// stepper driver's read/write helpers (attempt loop), generalized from
// a single fixed device address to an indexed table of heterogeneous
// modules. Write responses are not checked against the request.
package busmaster

import (
	"math"
	"time"

	"oht50.dev/firmware/events"
	"oht50.dev/firmware/hal"
	"oht50.dev/firmware/modbus"
	"oht50.dev/firmware/ohterr"
	"oht50.dev/firmware/safety"
	"oht50.dev/firmware/tick"
)

// Criticality ranks a module's impact on safety (spec.md §3 "Module
// Record").
type Criticality int

const (
	Optional Criticality = iota
	Important
	ModuleCritical
	ModuleSafety
)

func (c Criticality) severity() events.Severity {
	switch c {
	case ModuleSafety:
		return events.SeveritySafety
	case ModuleCritical:
		return events.SeverityCritical
	case Important:
		return events.SeverityImportant
	default:
		return events.SeverityOptional
	}
}

// Status is a module's last-known communication health (spec.md §3).
type Status int

const (
	StatusUnknown Status = iota
	StatusOnline
	StatusDegraded
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "ONLINE"
	case StatusDegraded:
		return "DEGRADED"
	case StatusOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// Limits from spec.md §3.
const (
	MaxModules   = 32
	MaxAttempts  = 3
	ResponseWait = 50 * time.Millisecond

	// Default retry backoff (spec.md §4.4 point 4: "exponential backoff
	// (base * multiplier^attempt, capped)").
	RetryBaseDelay  = 50 * time.Millisecond
	RetryMultiplier = 2
	RetryMaxDelay   = 500 * time.Millisecond
)

// ModuleRecord is a registered slave (spec.md §3 "Module Record").
type ModuleRecord struct {
	Address     byte
	Name        string
	Criticality Criticality
	Timeout     time.Duration

	status          Status
	lastSuccess     tick.Tick
	haveLastSuccess bool
	consecutiveFail int
	totalRequests   uint64
	totalFailures   uint64
}

// Snapshot is the read-only published view of a module (spec.md §3
// "Shared-read fields").
type Snapshot struct {
	Address         byte
	Name            string
	Criticality     Criticality
	Status          Status
	LastSuccess     tick.Tick
	HaveLastSuccess bool
	ConsecutiveFail int
	TotalRequests   uint64
	TotalFailures   uint64
}

// Config configures the coordinator (spec.md §4.4 init).
type Config struct {
	PollPeriod   time.Duration
	ResponseWait time.Duration
	MaxAttempts  int

	// RetryBaseDelay, RetryMultiplier and RetryMaxDelay shape the
	// backoff between transact attempts: delay(attempt) =
	// min(RetryBaseDelay * RetryMultiplier^attempt, RetryMaxDelay),
	// attempt counting from 0 for the gap after the first failure
	// (spec.md §4.4 point 4; scenario S2 pins base=50ms, multiplier=2).
	RetryBaseDelay  time.Duration
	RetryMultiplier float64
	RetryMaxDelay   time.Duration
}

func (c *Config) fillDefaults() {
	if c.PollPeriod <= 0 {
		c.PollPeriod = 20 * time.Millisecond
	}
	if c.ResponseWait <= 0 {
		c.ResponseWait = ResponseWait
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = MaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = RetryBaseDelay
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = RetryMultiplier
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = RetryMaxDelay
	}
}

// Coordinator owns the module table and the single shared bus (spec.md
// §4.4 "Ownership": "the Module Coordinator alone drives the bus;
// nothing else may transmit on it").
type Coordinator struct {
	cfg     Config
	bus     hal.SerialBus
	clock   tick.Source
	sink    events.Sink
	modules []*ModuleRecord
	cursor  int

	lastPoll tick.Tick
	havePoll bool

	rxBuf [256]byte

	// sleep backs the retry backoff delay; overridden in tests so the
	// cadence can be recorded instead of actually waited out.
	sleep func(time.Duration)
}

// New constructs a Coordinator. bus and clock must be non-nil.
func New(bus hal.SerialBus, clock tick.Source, cfg Config, sink events.Sink) (*Coordinator, error) {
	if bus == nil || clock == nil {
		return nil, ohterr.New(ohterr.InvalidArgument, "bus and clock are required", nil)
	}
	cfg.fillDefaults()
	return &Coordinator{cfg: cfg, bus: bus, clock: clock, sink: sink, sleep: time.Sleep}, nil
}

// backoffDelay computes the exponential backoff for the gap following a
// failed attempt (spec.md §4.4 point 4), attempt counting from 0.
func (c *Coordinator) backoffDelay(attempt int) time.Duration {
	d := float64(c.cfg.RetryBaseDelay) * math.Pow(c.cfg.RetryMultiplier, float64(attempt))
	if max := float64(c.cfg.RetryMaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// backoff waits out the delay for attempt, unless attempt was the final
// one (no point delaying before giving up).
func (c *Coordinator) backoff(attempt int) {
	if attempt+1 >= c.cfg.MaxAttempts || c.sleep == nil {
		return
	}
	c.sleep(c.backoffDelay(attempt))
}

func (c *Coordinator) find(addr byte) *ModuleRecord {
	for _, m := range c.modules {
		if m.Address == addr {
			return m
		}
	}
	return nil
}

// RegisterModule adds a slave to the table (spec.md §4.4
// register_module). Duplicate addresses are rejected.
func (c *Coordinator) RegisterModule(addr byte, name string, crit Criticality, timeout time.Duration) error {
	if c.find(addr) != nil {
		return ohterr.New(ohterr.DuplicateEntry, "module address already registered", nil)
	}
	if len(c.modules) >= MaxModules {
		return ohterr.New(ohterr.TableFull, "module table full", nil)
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	c.modules = append(c.modules, &ModuleRecord{
		Address: addr, Name: name, Criticality: crit, Timeout: timeout, status: StatusUnknown,
	})
	return nil
}

// AutoDetect probes every address in [start, end] with a one-register
// read and registers any that answer (spec.md §4.4 auto_detect).
// Addresses already registered are skipped. It returns the newly
// registered addresses.
func (c *Coordinator) AutoDetect(start, end byte, crit Criticality, timeout time.Duration) ([]byte, error) {
	var found []byte
	for addr := start; addr <= end; addr++ {
		if c.find(addr) != nil {
			continue
		}
		if _, err := c.readRegisters(addr, 0, 1); err == nil {
			if err := c.RegisterModule(addr, "", crit, timeout); err == nil {
				found = append(found, addr)
			}
		}
		if addr == end { // avoid infinite loop when end == 0xFF
			break
		}
	}
	return found, nil
}

// ReadRegisters performs an FC 0x03 read against a registered module,
// retrying up to Config.MaxAttempts times (spec.md §4.4 read_registers).
func (c *Coordinator) ReadRegisters(addr byte, start, count uint16) ([]uint16, error) {
	m := c.find(addr)
	if m == nil {
		return nil, ohterr.New(ohterr.NotFound, "module not registered", nil)
	}
	regs, err := c.readRegisters(addr, start, count)
	c.recordResult(m, err)
	return regs, err
}

// WriteRegister performs an FC 0x06 write with retry (spec.md §4.4
// write_register).
func (c *Coordinator) WriteRegister(addr byte, register, value uint16) error {
	m := c.find(addr)
	if m == nil {
		return ohterr.New(ohterr.NotFound, "module not registered", nil)
	}
	req, err := modbus.EncodeWriteSingleRequest(addr, register, value)
	if err != nil {
		return ohterr.New(ohterr.InvalidArgument, "encode write single", err)
	}
	_, err = c.transact(req, 8)
	c.recordResult(m, err)
	return err
}

// WriteRegisters performs an FC 0x10 write with retry (spec.md §4.4
// write_registers).
func (c *Coordinator) WriteRegisters(addr byte, start uint16, values []uint16) error {
	m := c.find(addr)
	if m == nil {
		return ohterr.New(ohterr.NotFound, "module not registered", nil)
	}
	req, err := modbus.EncodeWriteMultipleRequest(addr, start, values)
	if err != nil {
		return ohterr.New(ohterr.InvalidArgument, "encode write multiple", err)
	}
	_, err = c.transact(req, 8)
	c.recordResult(m, err)
	return err
}

func (c *Coordinator) readRegisters(addr byte, start, count uint16) ([]uint16, error) {
	req, err := modbus.EncodeReadRequest(addr, start, count)
	if err != nil {
		return nil, ohterr.New(ohterr.InvalidArgument, "encode read request", err)
	}
	wantLen := 3 + int(count)*2 + 2
	resp, err := c.transact(req, wantLen)
	if err != nil {
		return nil, err
	}
	f, err := modbus.Decode(resp)
	if err != nil {
		return nil, ohterr.New(ohterr.BusError, "decode response", err)
	}
	if modbus.IsException(f.Function) {
		code, _ := modbus.ExceptionCode(f)
		return nil, ohterr.Exception(int(code))
	}
	regs, err := modbus.DecodeReadResponse(f)
	if err != nil {
		return nil, ohterr.New(ohterr.BusError, "decode read response", err)
	}
	return regs, nil
}

// transact writes req and reads back a frame of approximately wantLen
// bytes, retrying the whole exchange up to Config.MaxAttempts times with
// exponential backoff between attempts (spec.md §4.4 "retry semantics"),
// in the same attempt-loop shape a stepper driver's register read/write
// helpers use.
func (c *Coordinator) transact(req []byte, wantLen int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := c.bus.Transmit(req); err != nil {
			lastErr = ohterr.New(ohterr.BusError, "transmit", err)
			c.backoff(attempt)
			continue
		}
		n, err := c.bus.Receive(c.rxBuf[:wantLen], c.cfg.ResponseWait)
		if err != nil {
			lastErr = ohterr.New(ohterr.Timeout, "receive", err)
			c.backoff(attempt)
			continue
		}
		if n < 4 {
			lastErr = ohterr.New(ohterr.BusError, "short response", nil)
			c.backoff(attempt)
			continue
		}
		return append([]byte(nil), c.rxBuf[:n]...), nil
	}
	return nil, lastErr
}

// recordResult updates a module's health counters and, on criticality
// escalation, emits a CommunicationLost event for the Safety Monitor to
// consume (spec.md §4.4 "Failure semantics").
func (c *Coordinator) recordResult(m *ModuleRecord, err error) {
	m.totalRequests++
	now := c.clock.NowTick()
	if err == nil {
		m.consecutiveFail = 0
		m.lastSuccess, m.haveLastSuccess = now, true
		m.status = StatusOnline
		return
	}
	m.totalFailures++
	m.consecutiveFail++
	switch {
	case m.consecutiveFail >= 3:
		m.status = StatusOffline
	case m.consecutiveFail >= 1:
		m.status = StatusDegraded
	}
	if m.status == StatusOffline && m.Criticality >= ModuleCritical {
		if c.sink != nil {
			c.sink.Notify(events.Event{
				Kind: events.CommunicationLost, Severity: m.Criticality.severity(),
				Detail: m.Name,
			})
		}
	}
}

// PollOnce advances the round-robin poll by one module, if the poll
// period has elapsed, reading its first register as a liveness probe
// (spec.md §4.4 poll_once). It is the coordinator's periodic entry
// point, called directly by core.Tick on every tick and rate-limited
// here to Config.PollPeriod.
func (c *Coordinator) PollOnce(now tick.Tick) error {
	if len(c.modules) == 0 {
		return nil
	}
	if c.havePoll && now.Since(c.lastPoll) < c.cfg.PollPeriod {
		return nil
	}
	c.lastPoll, c.havePoll = now, true

	m := c.modules[c.cursor]
	c.cursor = (c.cursor + 1) % len(c.modules)
	_, err := c.readRegisters(m.Address, 0, 1)
	c.recordResult(m, err)
	return nil
}

// GetModuleStatus returns a module's current status (spec.md §4.4
// get_module_status).
func (c *Coordinator) GetModuleStatus(addr byte) (Status, error) {
	m := c.find(addr)
	if m == nil {
		return StatusUnknown, ohterr.New(ohterr.NotFound, "module not registered", nil)
	}
	return m.status, nil
}

// GetRegistrySnapshot returns a read-only copy of every registered
// module (spec.md §4.4 get_registry_snapshot).
func (c *Coordinator) GetRegistrySnapshot() []Snapshot {
	out := make([]Snapshot, len(c.modules))
	for i, m := range c.modules {
		out[i] = Snapshot{
			Address: m.Address, Name: m.Name, Criticality: m.Criticality,
			Status: m.status, LastSuccess: m.lastSuccess, HaveLastSuccess: m.haveLastSuccess,
			ConsecutiveFail: m.consecutiveFail, TotalRequests: m.totalRequests, TotalFailures: m.totalFailures,
		}
	}
	return out
}

// CriticalModulesOverdue implements safety.ModuleLiveness: any
// SAFETY/CRITICAL module that has not communicated successfully within
// its configured timeout is reported (spec.md §4.3 step 5).
func (c *Coordinator) CriticalModulesOverdue(now tick.Tick) []safety.Overdue {
	var out []safety.Overdue
	for _, m := range c.modules {
		if m.Criticality < ModuleCritical {
			continue
		}
		overdue := !m.haveLastSuccess || now.Since(m.lastSuccess) > m.Timeout
		if overdue {
			out = append(out, safety.Overdue{Address: m.Address, Severity: m.Criticality.severity()})
		}
	}
	return out
}
