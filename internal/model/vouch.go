package model

import (
	"time"

	"github.com/google/uuid"
)

// Vouch is a directed, immutable endorsement from one agent to another.
// At most one edge may exist per ordered (FromAgent, ToAgent) pair, and
// FromAgent is never equal to ToAgent. Both invariants are enforced at the
// storage layer so they hold under concurrent inserts.
type Vouch struct {
	ID        uuid.UUID `json:"id"`
	FromAgent string    `json:"from_agent"`
	ToAgent   string    `json:"to_agent"`
	CreatedAt time.Time `json:"created_at"`
}
