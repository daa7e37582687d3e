package modbus

import (
	"bytes"
	"testing"
)

func TestCRC16KnownVector(t *testing.T) {
	// Modbus spec's own worked example: 0x02 0x07 -> CRC 0x1241.
	got := CRC16([]byte{0x02, 0x07})
	if want := uint16(0x1241); got != want {
		t.Fatalf("CRC16 = %#04x, want %#04x", got, want)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Address: 0x11, Function: ReadHoldingRegisters, Payload: []byte{0x00, 0x6B, 0x00, 0x03}}
	wire, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != f.Address || got.Function != f.Function || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestDecodeRejectsBadCRC(t *testing.T) {
	wire, _ := Encode(Frame{Address: 1, Function: ReadHoldingRegisters, Payload: []byte{1, 2}})
	wire[len(wire)-1] ^= 0xFF
	if _, err := Decode(wire); err == nil {
		t.Fatal("expected CRC mismatch error")
	}
}

func TestDecodePreservesExceptionBit(t *testing.T) {
	f := Frame{Address: 1, Function: ReadHoldingRegisters | 0x80, Payload: []byte{0x02}}
	wire, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if !IsException(got.Function) {
		t.Fatalf("expected exception bit to survive decode, got function %#02x", got.Function)
	}
	if got.Function.Base() != ReadHoldingRegisters {
		t.Fatalf("Base() = %#02x, want %#02x", got.Function.Base(), ReadHoldingRegisters)
	}
}

func TestReadRequestResponseRoundTrip(t *testing.T) {
	req, err := EncodeReadRequest(0x11, 0x6B, 3)
	if err != nil {
		t.Fatal(err)
	}
	f, err := Decode(req)
	if err != nil {
		t.Fatal(err)
	}
	if f.Function != ReadHoldingRegisters {
		t.Fatalf("unexpected function: %#02x", f.Function)
	}

	respPayload := []byte{0x06, 0x02, 0x2B, 0x00, 0x00, 0x00, 0x64}
	resp, err := Encode(Frame{Address: 0x11, Function: ReadHoldingRegisters, Payload: respPayload})
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(resp)
	if err != nil {
		t.Fatal(err)
	}
	regs, err := DecodeReadResponse(decoded)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint16{0x022B, 0x0000, 0x0064}
	if len(regs) != len(want) {
		t.Fatalf("got %d registers, want %d", len(regs), len(want))
	}
	for i := range want {
		if regs[i] != want[i] {
			t.Fatalf("register %d = %#04x, want %#04x", i, regs[i], want[i])
		}
	}
}

func TestEncodeWriteMultipleRejectsOversized(t *testing.T) {
	values := make([]uint16, 200)
	if _, err := EncodeWriteMultipleRequest(1, 0, values); err == nil {
		t.Fatal("expected oversized write to be rejected")
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected short-frame error")
	}
}
