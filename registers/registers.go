// Package registers names well-known Modbus holding-register offsets
// for the module types OHT-50 commonly pairs with (motor drive, E-Stop
// I/O, sensor bridge). It is a convenience lookup table only: the
// Module Coordinator itself stays register-agnostic (spec.md §4.4
// Non-goals: "no interpretation of register semantics"), and nothing in
// busmaster imports this package. Callers building module-specific
// logic on top of busmaster.Coordinator use these names instead of
// scattering magic offsets through their own code, the same way a
// stepper driver's register map gets named as package constants
// instead of inlined hex literals.
package registers

// Motor drive module registers.
const (
	MotorStatus      uint16 = 0x00
	MotorVelocity    uint16 = 0x01
	MotorVelocityCmd uint16 = 0x02
	MotorFaultCode   uint16 = 0x03
	MotorCurrent     uint16 = 0x04
)

// E-Stop / digital I/O module registers.
const (
	IOEstopState    uint16 = 0x00
	IORelayState    uint16 = 0x01
	IOIndicatorCmd  uint16 = 0x02
	IODigitalInputs uint16 = 0x03
)

// Sensor bridge module registers.
const (
	SensorRangeMM    uint16 = 0x00
	SensorAngleMDeg  uint16 = 0x01
	SensorHealthCode uint16 = 0x02
)

// Name returns a human-readable label for a register offset within a
// given module kind, falling back to a generic "reg 0xNNNN" form (four
// lowercase hex digits, e.g. "reg 0x00ff") for
// offsets not in the table. Kind is a free-form string ("motor", "io",
// "sensor") chosen by the caller; unrecognized kinds always fall back.
func Name(kind string, reg uint16) string {
	table := map[string]map[uint16]string{
		"motor": {
			MotorStatus: "status", MotorVelocity: "velocity", MotorVelocityCmd: "velocity_cmd",
			MotorFaultCode: "fault_code", MotorCurrent: "current",
		},
		"io": {
			IOEstopState: "estop_state", IORelayState: "relay_state",
			IOIndicatorCmd: "indicator_cmd", IODigitalInputs: "digital_inputs",
		},
		"sensor": {
			SensorRangeMM: "range_mm", SensorAngleMDeg: "angle_mdeg", SensorHealthCode: "health_code",
		},
	}
	if m, ok := table[kind]; ok {
		if name, ok := m[reg]; ok {
			return name
		}
	}
	return genericName(reg)
}

func genericName(reg uint16) string {
	const hex = "0123456789abcdef"
	buf := []byte("reg 0x0000")
	for i := 0; i < 4; i++ {
		buf[9-i] = hex[(reg>>(4*i))&0xF]
	}
	return string(buf)
}
