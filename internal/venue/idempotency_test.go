package venue

import (
	"fmt"
	"testing"
)

type stubDBChecker struct {
	known map[string]bool
	calls int
	fail  bool
}

func (s *stubDBChecker) IsDuplicate(commandType, idempotencyKey string) (bool, error) {
	s.calls++
	if s.fail {
		return false, fmt.Errorf("connection refused")
	}
	return s.known[commandType+":"+idempotencyKey], nil
}

func TestIdempotencyTwoTier(t *testing.T) {
	db := &stubDBChecker{known: map[string]bool{"AddLiquidity:cmd-1": true}}
	ic := NewIdempotencyChecker(10, db)

	// Cold path: LRU miss falls through to the DB and caches the hit
	if !ic.IsDuplicate("AddLiquidity", "cmd-1") {
		t.Fatal("DB-known key not reported as duplicate")
	}
	if db.calls != 1 {
		t.Fatalf("db calls = %d", db.calls)
	}
	if !ic.IsDuplicate("AddLiquidity", "cmd-1") {
		t.Fatal("cached key not reported as duplicate")
	}
	if db.calls != 1 {
		t.Errorf("second lookup hit the DB: %d calls", db.calls)
	}

	// Unknown key is not a duplicate until marked
	if ic.IsDuplicate("AddLiquidity", "cmd-2") {
		t.Error("unknown key reported as duplicate")
	}
	ic.MarkProcessed("AddLiquidity", "cmd-2")
	if !ic.IsDuplicate("AddLiquidity", "cmd-2") {
		t.Error("marked key not reported as duplicate")
	}
}

func TestIdempotencyDBErrorIsNotDuplicate(t *testing.T) {
	db := &stubDBChecker{fail: true}
	ic := NewIdempotencyChecker(10, db)

	// A DB outage must not wedge processing: assume new, let the log dedup
	if ic.IsDuplicate("AddLiquidity", "cmd-1") {
		t.Error("DB error treated as duplicate")
	}
	if ic.GetMetrics().GetTier2Errors() != 1 {
		t.Errorf("tier2 errors = %d", ic.GetMetrics().GetTier2Errors())
	}
}

func TestLRUEviction(t *testing.T) {
	lru := NewIdempotencyLRU(3)
	for i := 0; i < 4; i++ {
		lru.Add(fmt.Sprintf("key-%d", i))
	}
	if lru.Size() != 3 {
		t.Errorf("size = %d, want 3", lru.Size())
	}
	if lru.Contains("key-0") {
		t.Error("oldest key survived eviction")
	}
	if !lru.Contains("key-3") {
		t.Error("newest key evicted")
	}
	if lru.Evictions() != 1 {
		t.Errorf("evictions = %d", lru.Evictions())
	}
}

func TestLRUWarmFromKeys(t *testing.T) {
	lru := NewIdempotencyLRU(10)
	lru.WarmFromKeys([]string{"a", "b", "a"})
	if lru.Size() != 2 {
		t.Errorf("size = %d, want 2 (dedup on warm)", lru.Size())
	}
	if !lru.Contains("a") || !lru.Contains("b") {
		t.Error("warmed keys missing")
	}
}

func TestSequenceValidatorPartitions(t *testing.T) {
	sv := NewSequenceValidator()

	if err := sv.ValidateSequence("pool:majors", 0, "k0", false); err != nil {
		t.Fatalf("seq 0 rejected: %v", err)
	}
	// Partitions are independent
	if err := sv.ValidateSequence("pool:minors", 0, "k1", false); err != nil {
		t.Fatalf("other partition seq 0 rejected: %v", err)
	}
	if err := sv.ValidateSequence("pool:majors", 1, "k2", false); err != nil {
		t.Fatalf("seq 1 rejected: %v", err)
	}

	// Gap
	if err := sv.ValidateSequence("pool:majors", 5, "k3", false); err == nil {
		t.Error("gap accepted")
	}
	// Replay of a processed sequence is fine only when flagged duplicate
	if err := sv.ValidateSequence("pool:majors", 0, "k0", true); err != nil {
		t.Errorf("duplicate replay rejected: %v", err)
	}
	if err := sv.ValidateSequence("pool:majors", 0, "k4", false); err == nil {
		t.Error("out-of-order new command accepted")
	}
}

func TestPriceSequenceGapsTolerated(t *testing.T) {
	sv := NewSequenceValidator()

	if !sv.ValidatePriceSequence("SOL", 0) {
		t.Error("first observation rejected")
	}
	if !sv.ValidatePriceSequence("SOL", 7) {
		t.Error("gap rejected; price feeds drop ticks")
	}
	if sv.ValidatePriceSequence("SOL", 3) {
		t.Error("stale observation accepted")
	}
	if sv.GetExpectedSequence("price:SOL") != 8 {
		t.Errorf("expected next = %d, want 8", sv.GetExpectedSequence("price:SOL"))
	}
}
