package registers

import "testing"

func TestNameResolvesKnownOffsets(t *testing.T) {
	cases := []struct {
		kind string
		reg  uint16
		want string
	}{
		{"motor", MotorVelocity, "velocity"},
		{"io", IOEstopState, "estop_state"},
		{"sensor", SensorRangeMM, "range_mm"},
	}
	for _, c := range cases {
		if got := Name(c.kind, c.reg); got != c.want {
			t.Errorf("Name(%q, %#02x) = %q, want %q", c.kind, c.reg, got, c.want)
		}
	}
}

func TestNameFallsBackForUnknownKindOrOffset(t *testing.T) {
	if got := Name("unknown", 5); got != "reg 0x0005" {
		t.Fatalf("got %q, want %q", got, "reg 0x0005")
	}
	if got := Name("motor", 0xFF); got != "reg 0x00ff" {
		t.Fatalf("got %q, want %q", got, "reg 0x00ff")
	}
}
