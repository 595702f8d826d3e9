package model

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// IDAlphabet is the alphabet friendly and internal ids are drawn from. It omits
// 0, l and uppercase letters so ids survive being read aloud or retyped.
const IDAlphabet = "123456789abcdefghijkmnopqrstuvwxyz"

// IDLength is the length of the value part of a friendly id.
const IDLength = 21

// Entity prefixes used in friendly ids.
const (
	EntityRun        = "run"
	EntitySnapshot   = "snapshot"
	EntityWaitpoint  = "waitpoint"
	EntityWorker     = "worker"
	EntityQueue      = "queue"
	EntityCheckpoint = "checkpoint"
	EntitySchedule   = "sched"
)

// ErrInvalidFriendlyID is returned when a friendly id cannot be converted.
var ErrInvalidFriendlyID = errors.New("invalid friendly id")

// NewID generates a ULID string. Used for opaque tokens (lock owners, job ids,
// consumer ids) that never appear in friendly form.
func NewID() string {
	return ulid.Make().String()
}

// NewInternalID returns a random IDLength-character value from IDAlphabet.
func NewInternalID() string {
	// Rejection sampling keeps the distribution uniform: 34 symbols do not
	// divide 256, so bytes >= 238 are discarded.
	const limit = 256 - 256%len(IDAlphabet)

	out := make([]byte, 0, IDLength)
	buf := make([]byte, IDLength*2)
	for len(out) < IDLength {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("read random bytes: %v", err))
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, IDAlphabet[int(b)%len(IDAlphabet)])
			if len(out) == IDLength {
				break
			}
		}
	}
	return string(out)
}

// NewFriendlyID generates a new internal id and returns it with its friendly form.
func NewFriendlyID(entity string) (id, friendlyID string) {
	id = NewInternalID()
	return id, ToFriendlyID(entity, id)
}

// ToFriendlyID prefixes an internal id with its entity name.
func ToFriendlyID(entity, id string) string {
	return entity + "_" + id
}

// FromFriendlyID strips the entity prefix from a friendly id. It fails when the
// prefix does not match entity or the value is not a well-formed id.
func FromFriendlyID(entity, friendlyID string) (string, error) {
	prefix, value, ok := strings.Cut(friendlyID, "_")
	if !ok {
		return "", fmt.Errorf("%w: %q has no entity prefix", ErrInvalidFriendlyID, friendlyID)
	}
	if prefix != entity {
		return "", fmt.Errorf("%w: %q is not a %s id", ErrInvalidFriendlyID, friendlyID, entity)
	}
	if !ValidInternalID(value) {
		return "", fmt.Errorf("%w: %q has a malformed value", ErrInvalidFriendlyID, friendlyID)
	}
	return value, nil
}

// ValidInternalID reports whether s is IDLength characters from IDAlphabet.
func ValidInternalID(s string) bool {
	if len(s) != IDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(IDAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
