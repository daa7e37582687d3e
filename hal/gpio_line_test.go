package hal

import (
	"errors"
	"testing"
	"time"

	"oht50.dev/firmware/tick"
)

type fakeClock struct{ now tick.Tick }

func (c *fakeClock) NowTick() tick.Tick { return c.now }
func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type fakePin struct {
	level bool
	err   error
}

func (p *fakePin) Read() (bool, error) { return p.level, p.err }
func (p *fakePin) Write(v bool) error  { p.level = v; return nil }

func TestGPIOLineFirstSampleConfirmsImmediately(t *testing.T) {
	pin := &fakePin{level: true}
	clk := &fakeClock{}
	line := NewGPIOLine(pin, 10*time.Millisecond, clk)
	got, err := line.Sample()
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Fatal("expected first sample to confirm immediately")
	}
}

func TestGPIOLineRequiresSustainedChange(t *testing.T) {
	pin := &fakePin{level: false}
	clk := &fakeClock{}
	line := NewGPIOLine(pin, 10*time.Millisecond, clk)
	if _, err := line.Sample(); err != nil {
		t.Fatal(err)
	}

	pin.level = true
	got, err := line.Sample()
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Fatal("expected change to remain unconfirmed before debounce window elapses")
	}

	clk.advance(5 * time.Millisecond)
	got, _ = line.Sample()
	if got {
		t.Fatal("expected change to remain unconfirmed mid-window")
	}

	clk.advance(10 * time.Millisecond)
	got, _ = line.Sample()
	if !got {
		t.Fatal("expected change to confirm once debounce window elapses")
	}
}

func TestGPIOLineGlitchToConfirmedLevelDoesNotResetCandidateWindow(t *testing.T) {
	pin := &fakePin{level: false}
	clk := &fakeClock{}
	line := NewGPIOLine(pin, 10*time.Millisecond, clk)
	line.Sample() // confirms false at t=0

	pin.level = true
	clk.advance(6 * time.Millisecond) // t=6ms, candidate=true starts here
	line.Sample()

	// A single sample back at the still-confirmed level short-circuits
	// before touching the candidate, so it does not restart the window.
	pin.level = false
	clk.advance(1 * time.Millisecond) // t=7ms
	got, _ := line.Sample()
	if got {
		t.Fatal("expected glitch sample to read as still confirmed false")
	}

	pin.level = true
	clk.advance(5 * time.Millisecond) // t=12ms, only 6ms since candidate started
	got, _ = line.Sample()
	if got {
		t.Fatal("expected candidate window not yet elapsed")
	}

	clk.advance(5 * time.Millisecond) // t=17ms, 11ms since candidate started at t=6ms
	got, _ = line.Sample()
	if !got {
		t.Fatal("expected confirmation once debounce window elapses from original candidate tick")
	}
}

func TestGPIOLineZeroDebounceConfirmsOnSecondSample(t *testing.T) {
	pin := &fakePin{level: false}
	clk := &fakeClock{}
	line := NewGPIOLine(pin, 0, clk)
	line.Sample()

	pin.level = true
	got, _ := line.Sample()
	if got {
		t.Fatal("expected the candidate sample itself to still read unconfirmed")
	}
	got, _ = line.Sample()
	if !got {
		t.Fatal("expected zero debounce to confirm as soon as the candidate is resampled")
	}
}

func TestGPIOLinePropagatesReadError(t *testing.T) {
	wantErr := errors.New("pin fault")
	pin := &fakePin{err: wantErr}
	clk := &fakeClock{}
	line := NewGPIOLine(pin, 0, clk)
	_, err := line.Sample()
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected read error to propagate, got %v", err)
	}
}

func TestSimPinRoundTrip(t *testing.T) {
	p := &SimPin{}
	if err := p.On(); err != nil {
		t.Fatal(err)
	}
	got, err := p.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Fatal("expected On() to set level true")
	}
	if err := p.Off(); err != nil {
		t.Fatal(err)
	}
	got, _ = p.Read()
	if got {
		t.Fatal("expected Off() to clear level")
	}
}
