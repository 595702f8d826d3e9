package model

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

var internalIDPattern = regexp.MustCompile(`^[1-9a-km-z]{21}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewInternalIDFormat(t *testing.T) {
	for i := 0; i < 200; i++ {
		id := NewInternalID()
		if !internalIDPattern.MatchString(id) {
			t.Fatalf("NewInternalID() = %q, does not match %s", id, internalIDPattern)
		}
	}
}

func TestNewInternalIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewInternalID()
		if seen[id] {
			t.Fatalf("NewInternalID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestFriendlyIDRoundTrip(t *testing.T) {
	for _, entity := range []string{EntityRun, EntitySnapshot, EntityWaitpoint, EntityWorker, EntityQueue, EntityCheckpoint} {
		id, friendly := NewFriendlyID(entity)
		if !strings.HasPrefix(friendly, entity+"_") {
			t.Errorf("friendly id %q lacks prefix %q", friendly, entity+"_")
		}
		got, err := FromFriendlyID(entity, friendly)
		if err != nil {
			t.Fatalf("FromFriendlyID(%q, %q): %v", entity, friendly, err)
		}
		if got != id {
			t.Errorf("FromFriendlyID = %q, want %q", got, id)
		}
		if ToFriendlyID(entity, got) != friendly {
			t.Errorf("ToFriendlyID = %q, want %q", ToFriendlyID(entity, got), friendly)
		}
	}
}

func TestFromFriendlyIDRejectsWrongEntity(t *testing.T) {
	_, friendly := NewFriendlyID(EntityRun)
	_, err := FromFriendlyID(EntityWaitpoint, friendly)
	if !errors.Is(err, ErrInvalidFriendlyID) {
		t.Errorf("err = %v, want ErrInvalidFriendlyID", err)
	}
}

func TestFromFriendlyIDRejectsMalformed(t *testing.T) {
	tests := []string{
		"",
		"run",
		"run_",
		"run_short",
		"run_0000000000000000000000",
		"run_ABCDEFGHIJKMNPQRSTUVW",
		"run_123456789abcdefghijkl",
	}
	for _, in := range tests {
		if _, err := FromFriendlyID(EntityRun, in); !errors.Is(err, ErrInvalidFriendlyID) {
			t.Errorf("FromFriendlyID(%q) err = %v, want ErrInvalidFriendlyID", in, err)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[Status]bool{
		StatusCompleted: true, StatusCanceled: true, StatusFailed: true, StatusCrashed: true,
		StatusSystemFailure: true, StatusExpired: true, StatusTimedOut: true,
	}
	for _, s := range AllStatuses {
		if s.IsTerminal() != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, s.IsTerminal(), terminal[s])
		}
		if s.IsTerminal() && len(validTransitions[s]) != 0 {
			t.Errorf("terminal status %s has outgoing transitions", s)
		}
	}
}

func TestFrozenNeverLeadsToExecuting(t *testing.T) {
	if ValidTransition(StatusFrozen, StatusExecuting) {
		t.Error("FROZEN -> EXECUTING must not be allowed")
	}
	if !ValidTransition(StatusFrozen, StatusQueued) {
		t.Error("FROZEN -> QUEUED must be allowed")
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusDequeuedForExecution, true},
		{StatusDequeuedForExecution, StatusExecuting, true},
		{StatusDequeuedForExecution, StatusQueued, true},
		{StatusExecuting, StatusCompleted, true},
		{StatusExecuting, StatusFrozen, true},
		{StatusReattempting, StatusExecuting, true},
		{StatusQueued, StatusExecuting, false},
		{StatusCompleted, StatusQueued, false},
		{StatusInterrupted, StatusCanceled, true},
		{StatusInterrupted, StatusExecuting, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestHoldsConcurrency(t *testing.T) {
	for _, s := range []Status{StatusDequeuedForExecution, StatusExecuting, StatusReattempting} {
		if !s.HoldsConcurrency() {
			t.Errorf("%s.HoldsConcurrency() = false, want true", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusFrozen, StatusCompleted, StatusDelayed} {
		if s.HoldsConcurrency() {
			t.Errorf("%s.HoldsConcurrency() = true, want false", s)
		}
	}
}
