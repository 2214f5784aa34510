// Package audit implements the in-process tamper-evident ledger: a
// hash-linked chain of audit entries, hourly Merkle windows over log
// content hashes, inclusion proofs, and exportable audit packs.
package audit

import (
	"fmt"

	"github.com/fraware/accountabilitylayer/pkg/canonical"
)

// EntryType discriminates audit chain entries.
type EntryType string

// Audit entry types.
const (
	EntryLogCreated      EntryType = "LOG_CREATED"
	EntryLogUpdated      EntryType = "LOG_UPDATED"
	EntryWindowFinalized EntryType = "WINDOW_FINALIZED"
)

// EntryMetadata records who triggered the audited event and why.
type EntryMetadata struct {
	Initiator  string `json:"initiator,omitempty"`
	SourceAddr string `json:"source_addr,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Entry is one link of the audit chain. Entries are append-only and
// hash-linked: PreviousHash copies the predecessor's SelfHash, and SelfHash
// is the canonical hash of the entry with SelfHash cleared. Timestamps are
// epoch milliseconds so the hash input is stable across serializations.
type Entry struct {
	EntryID   string         `json:"entry_id"`
	Type      EntryType      `json:"type"`
	LogID     string         `json:"log_id,omitempty"`
	LogHash   string         `json:"log_hash,omitempty"`
	Updates   map[string]any `json:"updates,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Metadata  EntryMetadata  `json:"metadata"`

	// Window finalization payload (WINDOW_FINALIZED entries only).
	WindowStart int64  `json:"window_start,omitempty"`
	MerkleRoot  string `json:"merkle_root,omitempty"`
	HashCount   int    `json:"hash_count,omitempty"`

	PreviousHash string `json:"previous_hash"`
	SelfHash     string `json:"self_hash"`
}

// ComputeHash returns the canonical hash of the entry with SelfHash cleared.
func (e *Entry) ComputeHash() (string, error) {
	c := *e
	c.SelfHash = ""
	return canonical.Hash(&c)
}

// VerifyChain checks the chain invariant over a contiguous segment of
// entries: every SelfHash matches its recomputation, and every entry after
// the first links to its predecessor. Returns the index of the first broken
// entry inside the error.
func VerifyChain(entries []Entry) error {
	for i := range entries {
		want, err := entries[i].ComputeHash()
		if err != nil {
			return fmt.Errorf("audit: entry %d (%s): hash: %w", i, entries[i].EntryID, err)
		}
		if entries[i].SelfHash != want {
			return fmt.Errorf("audit: entry %d (%s): self_hash mismatch", i, entries[i].EntryID)
		}
		if i > 0 && entries[i].PreviousHash != entries[i-1].SelfHash {
			return fmt.Errorf("audit: entry %d (%s): broken link to predecessor", i, entries[i].EntryID)
		}
	}
	return nil
}
