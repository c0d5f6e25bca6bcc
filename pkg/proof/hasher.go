// Package proof derives deterministic, content-addressed hashes from
// finalized shift records. The canonical form is RFC 8785 (JCS) JSON so
// that any implementation hashing the same shift facts produces the same
// digest byte-for-byte.
package proof

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ShiftFacts are the immutable inputs of a work proof. Nothing else about
// a shift participates in the hash: renaming an event or editing a worker
// profile must not invalidate already-anchored proofs.
type ShiftFacts struct {
	EventID       string    `json:"event_id"`
	WorkerID      string    `json:"worker_id"`
	CheckInAt     time.Time `json:"check_in_at"`
	CheckOutAt    time.Time `json:"check_out_at"`
	WorkedMinutes int       `json:"worked_minutes"`
}

// canonicalFacts is the wire form that gets hashed. Timestamps are
// rendered as RFC 3339 UTC strings so the digest is independent of the
// zone the service happened to run in.
type canonicalFacts struct {
	CheckInAt     string `json:"check_in_at"`
	CheckOutAt    string `json:"check_out_at"`
	EventID       string `json:"event_id"`
	WorkedMinutes int    `json:"worked_minutes"`
	WorkerID      string `json:"worker_id"`
}

// ContentHash returns the sha256 digest of the canonical JSON form of the
// shift facts, prefixed with the algorithm. It is a pure function: no I/O,
// no clock, and it cannot fail for well-formed input.
func ContentHash(facts ShiftFacts) string {
	canonical := canonicalFacts{
		CheckInAt:     facts.CheckInAt.UTC().Format(time.RFC3339),
		CheckOutAt:    facts.CheckOutAt.UTC().Format(time.RFC3339),
		EventID:       facts.EventID,
		WorkedMinutes: facts.WorkedMinutes,
		WorkerID:      facts.WorkerID,
	}

	raw, err := json.Marshal(canonical)
	if err != nil {
		// Marshalling a flat struct of strings and ints cannot fail.
		panic(fmt.Sprintf("proof: canonical marshal: %v", err))
	}
	jcs, err := canonicalize(raw)
	if err != nil {
		panic(fmt.Sprintf("proof: canonicalize: %v", err))
	}

	sum := sha256.Sum256(jcs)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Pseudonymize derives a stable, one-way reference for a worker identity
// using HMAC-SHA256 keyed by the deployment salt. The external ledger only
// ever sees this reference, never a reversible worker identifier.
func Pseudonymize(workerID string, salt []byte) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(workerID))
	return "wrk:" + hex.EncodeToString(mac.Sum(nil))
}
