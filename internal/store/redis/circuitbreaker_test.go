package redis

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFail = errors.New("fail")

func failing(context.Context) error { return errFail }
func ok(context.Context) error      { return nil }

// fakeClock lets tests step past the reset timeout without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(maxFailures, 10*time.Second)
	b.now = clk.now
	return b, clk
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker(3)
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %v", b.State())
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b, _ := newTestBreaker(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failing); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}
	if err := b.Execute(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	ctx := context.Background()

	b.Execute(ctx, failing)
	b.Execute(ctx, failing)
	b.Execute(ctx, ok)
	b.Execute(ctx, failing)
	b.Execute(ctx, failing)
	if b.State() != StateClosed {
		t.Errorf("expected closed (failures not consecutive), got %v", b.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker(2)
	ctx := context.Background()
	b.Execute(ctx, failing)
	b.Execute(ctx, failing)

	clk.advance(11 * time.Second)
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed after successful probe, got %v", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(2)
	ctx := context.Background()
	b.Execute(ctx, failing)
	b.Execute(ctx, failing)

	clk.advance(11 * time.Second)
	if err := b.Execute(ctx, failing); err != errFail {
		t.Fatalf("expected errFail, got %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("expected reopened, got %v", b.State())
	}
	if err := b.Execute(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen right after reopening, got %v", err)
	}
}

func TestBreaker_SingleProbe(t *testing.T) {
	b, clk := newTestBreaker(1)
	ctx := context.Background()
	b.Execute(ctx, failing)
	clk.advance(11 * time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := b.Execute(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second call during probe: expected ErrCircuitOpen, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %v", b.State())
	}
}

func TestBreaker_CancellationIsNotFailure(t *testing.T) {
	b, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %v", b.State())
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	b, clk := newTestBreaker(1)
	var transitions []string
	b.OnStateChange = func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	ctx := context.Background()

	b.Execute(ctx, failing)
	clk.advance(11 * time.Second)
	b.Execute(ctx, ok)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}
