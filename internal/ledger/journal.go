package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// EntityKind distinguishes which entity a transition belongs to.
type EntityKind string

const (
	KindMilestone EntityKind = "milestone"
	KindDispute   EntityKind = "dispute"
	KindMediation EntityKind = "mediation"
)

// Transition is an immutable journal entry recording one state change.
// Entries are hash-chained per entity so tampering or reordering is
// detectable after the fact.
type Transition struct {
	ID         string     `json:"id"`
	EntityKind EntityKind `json:"entity_kind"`
	EntityID   string     `json:"entity_id"`
	FromState  string     `json:"from_state"`
	ToState    string     `json:"to_state"`
	Reason     string     `json:"reason"`
	Actor      string     `json:"actor"`
	Hash       string     `json:"hash"`
	PrevHash   string     `json:"prev_hash"`
	CreatedAt  time.Time  `json:"created_at"`
}

// GenesisHash seeds the chain for an entity with no prior transitions.
func GenesisHash() string {
	return strings.Repeat("0", 64)
}

// ChainTransition fills in PrevHash and Hash for a transition that extends
// the chain ending at prev. A nil prev starts a new chain.
func ChainTransition(t *Transition, prev *Transition) {
	if prev != nil {
		t.PrevHash = prev.Hash
	} else {
		t.PrevHash = GenesisHash()
	}
	t.Hash = transitionHash(t)
}

func transitionHash(t *Transition) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s",
		t.EntityKind,
		t.EntityID,
		t.FromState,
		t.ToState,
		t.Reason,
		t.Actor,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.PrevHash,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that a transition history forms an unbroken,
// correctly hashed chain in order.
func VerifyChain(history []*Transition) error {
	for i, t := range history {
		if i == 0 {
			if t.PrevHash != GenesisHash() {
				return fmt.Errorf("ledger: chain for %s %s does not start at genesis", t.EntityKind, t.EntityID)
			}
		} else if t.PrevHash != history[i-1].Hash {
			return fmt.Errorf("ledger: chain broken at transition %s", t.ID)
		}
		if transitionHash(t) != t.Hash {
			return fmt.Errorf("ledger: hash mismatch at transition %s", t.ID)
		}
	}
	return nil
}
