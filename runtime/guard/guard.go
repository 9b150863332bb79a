// Package guard implements the idempotency ledger: it records which
// (session, step, attempt) triples have already executed so that redelivered
// events and racing workers never run the same attempt twice.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loomwork/loom/runtime/blackboard"
)

type (
	// Guard gates step execution through the blackboard's step ledger.
	Guard struct {
		store blackboard.Store
	}

	// Record is the ledger entry stored per executed attempt. It carries a
	// content hash of the result rather than the result itself to bound
	// storage.
	Record struct {
		// Status is the attempt outcome (success, error, dead_letter).
		Status string `json:"status"`
		// ResultHash is the hex SHA-256 of the serialized result, empty when
		// the attempt produced none.
		ResultHash string `json:"result_hash,omitempty"`
		// At is when the attempt was recorded.
		At time.Time `json:"at"`
	}
)

// StatusDeadLetter marks an attempt recorded after the retry budget ran out.
const StatusDeadLetter = "dead_letter"

// New builds a guard over the given store.
func New(store blackboard.Store) *Guard {
	return &Guard{store: store}
}

// BeforeExecute reports whether the (session, step, attempt) triple may run:
// true unless that exact attempt was already recorded.
func (g *Guard) BeforeExecute(ctx context.Context, sessionID, step string, attempt int) (bool, error) {
	steps, err := g.store.Steps(ctx, sessionID)
	if err != nil {
		return false, err
	}
	_, done := steps[ledgerField(step, attempt)]
	return !done, nil
}

// AfterExecute records the attempt. First write wins: a concurrent recorder
// of the same triple leaves the original entry untouched.
func (g *Guard) AfterExecute(ctx context.Context, sessionID, step string, attempt int, status string, result []byte) error {
	rec := Record{Status: status, At: time.Now().UTC()}
	if len(result) > 0 {
		sum := sha256.Sum256(result)
		rec.ResultHash = hex.EncodeToString(sum[:])
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ledger record: %w", err)
	}
	_, err = g.store.PutStepOnce(ctx, sessionID, ledgerField(step, attempt), string(encoded))
	return err
}

// ShouldRetry reports whether another attempt of the step is permitted and
// which attempt number to use next, based on the highest recorded attempt.
func (g *Guard) ShouldRetry(ctx context.Context, sessionID, step string, maxAttempts int) (bool, int, error) {
	steps, err := g.store.Steps(ctx, sessionID)
	if err != nil {
		return false, 0, err
	}
	highest := 0
	prefix := step + ":"
	for field := range steps {
		if !strings.HasPrefix(field, prefix) {
			continue
		}
		n, err := strconv.Atoi(field[len(prefix):])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	next := highest + 1
	if next > maxAttempts {
		return false, 0, nil
	}
	return true, next, nil
}

// Attempt returns the ledger record of one attempt, if recorded.
func (g *Guard) Attempt(ctx context.Context, sessionID, step string, attempt int) (Record, bool, error) {
	steps, err := g.store.Steps(ctx, sessionID)
	if err != nil {
		return Record{}, false, err
	}
	raw, ok := steps[ledgerField(step, attempt)]
	if !ok {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode ledger record: %w", err)
	}
	return rec, true, nil
}

func ledgerField(step string, attempt int) string {
	return fmt.Sprintf("%s:%d", step, attempt)
}
