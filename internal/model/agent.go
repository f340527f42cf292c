package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentRole represents the RBAC role assigned to an agent.
type AgentRole string

const (
	RoleAdmin  AgentRole = "admin"
	RoleAgent  AgentRole = "agent"
	RoleReader AgentRole = "reader"
)

// AgentStatus controls discoverability of an agent. It does not feed into
// trust scoring: a suspended agent keeps its last computed score.
type AgentStatus string

const (
	StatusPending   AgentStatus = "pending"
	StatusActive    AgentStatus = "active"
	StatusSuspended AgentStatus = "suspended"
)

// Agent represents an identity with its reputation state.
//
// TrustScore is always derived — it is written only with values produced by
// the trust scorer, never authored directly. VouchCount is a denormalized
// count of incoming vouch edges kept consistent with the vouches table by
// updating both in the same transaction.
type Agent struct {
	ID                    uuid.UUID   `json:"id"`
	AgentID               string      `json:"agent_id"`
	Name                  string      `json:"name"`
	Role                  AgentRole   `json:"role"`
	Status                AgentStatus `json:"status"`
	ExternalHandle        *string     `json:"external_handle,omitempty"`
	ExternalAccountLinked bool        `json:"external_account_linked"`
	Karma                 *int64      `json:"karma,omitempty"`
	TrustScore            int         `json:"trust_score"`
	VouchCount            int         `json:"vouch_count"`
	Capabilities          []string    `json:"capabilities"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
	LastSeen              *time.Time  `json:"last_seen,omitempty"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters — RoleAtLeast uses >= comparison.
func RoleRank(r AgentRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleAgent:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole AgentRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidStatus reports whether s is one of the known agent statuses.
func ValidStatus(s AgentStatus) bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended:
		return true
	}
	return false
}

// MaxCapabilities bounds the capability set per agent.
const MaxCapabilities = 32

// ValidateCapability checks that a capability token conforms to the allowed
// format: 1-64 characters, starting with a lowercase letter, containing only
// lowercase alphanumerics, hyphens, and underscores.
func ValidateCapability(capability string) error {
	if len(capability) == 0 {
		return fmt.Errorf("capability must not be empty")
	}
	if len(capability) > 64 {
		return fmt.Errorf("capability must be at most 64 characters")
	}
	for i := 0; i < len(capability); i++ {
		c := capability[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("capability must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("capability contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ValidateCapabilities checks every token, the set bound, and rejects
// duplicates. Order is preserved by callers; this only validates.
func ValidateCapabilities(caps []string) error {
	if len(caps) > MaxCapabilities {
		return fmt.Errorf("at most %d capabilities allowed, got %d", MaxCapabilities, len(caps))
	}
	seen := make(map[string]bool, len(caps))
	for i, c := range caps {
		if err := ValidateCapability(c); err != nil {
			return fmt.Errorf("capabilities[%d]: %w", i, err)
		}
		if seen[c] {
			return fmt.Errorf("capabilities[%d]: duplicate capability %q", i, c)
		}
		seen[c] = true
	}
	return nil
}

// ValidateAgentID checks that an agent ID conforms to the allowed format.
// Agent IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("agent_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// MaxNameLen bounds the display name.
const MaxNameLen = 200

// ValidateName checks the display name length.
func ValidateName(name string) error {
	if len(name) > MaxNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxNameLen)
	}
	return nil
}
