package option

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"OptionVault/internal/errs"
	"OptionVault/internal/pricing"
)

func openPosition() Position {
	return Position{
		ID:          uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		Owner:       "trader-bob",
		Pool:        "majors",
		Custody:     "majors/SOL",
		PayCustody:  "majors/USDC",
		Direction:   pricing.Call,
		StrikePrice: 130_000_000,
		Amount:      1_000_000,
		OpenTime:    1_000,
		ExpiryTime:  1_000 + 7*86_400,
		State:       StateOpen,
		Version:     1,
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateOpen:      "Open",
		StateClosed:    "Closed",
		StateExercised: "Exercised",
		StateExpired:   "Expired",
		State(99):      "Unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %s, want %s", s, s.String(), want)
		}
	}
}

func TestStateMachine(t *testing.T) {
	if StateOpen.IsTerminal() {
		t.Error("Open should not be terminal")
	}
	for _, s := range []State{StateClosed, StateExercised, StateExpired} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.CanTransitionTo(StateClosed) {
			t.Errorf("terminal %s allows transition", s)
		}
	}
	if !StateOpen.CanTransitionTo(StateExercised) {
		t.Error("Open -> Exercised should be allowed")
	}
	if StateOpen.CanTransitionTo(StateOpen) {
		t.Error("Open -> Open should be rejected")
	}
}

func TestTransition(t *testing.T) {
	p := openPosition()

	p2, err := p.Transition(StateExercised, 2_000)
	if err != nil {
		t.Fatal(err)
	}
	if p2.State != StateExercised {
		t.Errorf("state = %s", p2.State)
	}
	if p2.SettledTime != 2_000 {
		t.Errorf("settled time = %d", p2.SettledTime)
	}
	if p2.Version != p.Version+1 {
		t.Errorf("version = %d", p2.Version)
	}
	// Input untouched
	if p.State != StateOpen {
		t.Error("input position mutated")
	}
}

func TestTransitionFromTerminalRejected(t *testing.T) {
	p := openPosition()
	p.State = StateClosed

	if _, err := p.Transition(StateExpired, 2_000); !errors.Is(err, errs.ErrInvalidState) {
		t.Errorf("double settlement accepted: %v", err)
	}
}

func TestIsExpired(t *testing.T) {
	p := openPosition()
	if p.IsExpired(p.ExpiryTime - 1) {
		t.Error("expired before expiry time")
	}
	if !p.IsExpired(p.ExpiryTime) {
		t.Error("not expired at expiry time")
	}
	if !p.IsExpired(p.ExpiryTime + 1) {
		t.Error("not expired after expiry time")
	}
}

func TestReduceAmount(t *testing.T) {
	p := openPosition()

	p2, err := p.ReduceAmount(250_000)
	if err != nil {
		t.Fatal(err)
	}
	if p2.Amount != 750_000 {
		t.Errorf("amount = %d, want 750_000", p2.Amount)
	}
	if p2.State != StateOpen {
		t.Error("partial close should leave position open")
	}
	if p2.Version != p.Version+1 {
		t.Errorf("version = %d", p2.Version)
	}
}

func TestReduceAmountRejectsFullOrOver(t *testing.T) {
	p := openPosition()

	// Full reduction is a close, not a reduce
	if _, err := p.ReduceAmount(p.Amount); !errors.Is(err, errs.ErrInvalidParams) {
		t.Errorf("full reduction accepted: %v", err)
	}
	if _, err := p.ReduceAmount(0); !errors.Is(err, errs.ErrInvalidParams) {
		t.Errorf("zero reduction accepted: %v", err)
	}
	if _, err := p.ReduceAmount(-1); !errors.Is(err, errs.ErrInvalidParams) {
		t.Errorf("negative reduction accepted: %v", err)
	}
}

func TestReduceAmountOnTerminalRejected(t *testing.T) {
	p := openPosition()
	p.State = StateExpired

	if _, err := p.ReduceAmount(1); !errors.Is(err, errs.ErrInvalidState) {
		t.Errorf("reduce on terminal position accepted: %v", err)
	}
}
