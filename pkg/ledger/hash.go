package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenesisHash is the previous-hash value of the first entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const hashFieldDelimiter = "|"

// canonicalPayload serializes the hashed fields in a fixed order. The layout
// must never change once entries exist: every stored hash depends on it.
func canonicalPayload(entry Entry) string {
	fields := []string{
		fmt.Sprintf("%d", entry.SequenceNumber),
		entry.DebitAccount.String(),
		entry.CreditAccount.String(),
		fmt.Sprintf("%d", entry.Amount),
		string(entry.Currency),
		entry.EntryType.String(),
		entry.ReferenceID,
		entry.PreviousHash,
		fmt.Sprintf("%d", entry.CreatedAtUnixUTC),
	}
	return strings.Join(fields, hashFieldDelimiter)
}

// ComputeEntryHash returns the SHA-256 hash of the entry's canonical payload.
func ComputeEntryHash(entry Entry) string {
	sum := sha256.Sum256([]byte(canonicalPayload(entry)))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the entry's hash and compares it to the stored value.
func (entry Entry) Verify() bool {
	return entry.EntryHash == ComputeEntryHash(entry)
}

// ChainBreakReason classifies the first defect VerifyChainIntegrity finds.
type ChainBreakReason string

const (
	BreakHashMismatch ChainBreakReason = "hash_mismatch"
	BreakLinkMismatch ChainBreakReason = "link_mismatch"
	BreakSequenceGap  ChainBreakReason = "sequence_gap"
)

// VerifyReport is the outcome of a full chain walk.
type VerifyReport struct {
	Valid          bool
	EntriesChecked int64
	BreakSequence  int64
	BreakEntryID   string
	Reason         ChainBreakReason
}
