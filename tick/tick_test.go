package tick

import (
	"testing"
	"time"
)

func TestAddRoundsDownToMicrosecond(t *testing.T) {
	var base Tick
	got := base.Add(1500 * time.Nanosecond)
	if got != 1 {
		t.Fatalf("expected 1500ns to round down to 1 microsecond tick, got %d", got)
	}
}

func TestSinceSaturatesAtZeroOnClockRegression(t *testing.T) {
	earlier := Tick(1000)
	later := Tick(500)
	if d := later.Since(earlier); d != 0 {
		t.Fatalf("expected a regression to saturate at zero duration, got %v", d)
	}
}

func TestSinceComputesElapsedMicroseconds(t *testing.T) {
	a := Tick(5000)
	b := Tick(2000)
	want := 3 * time.Millisecond
	if got := a.Since(b); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSourceFuncAdapts(t *testing.T) {
	var src Source = SourceFunc(func() Tick { return 42 })
	if src.NowTick() != 42 {
		t.Fatal("expected SourceFunc to forward to the wrapped function")
	}
}

func TestMonotonicAdvancesNonDecreasing(t *testing.T) {
	m := NewMonotonic()
	first := m.NowTick()
	time.Sleep(time.Millisecond)
	second := m.NowTick()
	if second < first {
		t.Fatal("expected Monotonic to never run backwards")
	}
}
