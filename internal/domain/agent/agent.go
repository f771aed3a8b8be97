// Package agent defines the ledger's domain records and the balance rules
// applied to them. Storage implementations call Apply while holding the
// agent's lock so every backend enforces identical semantics.
package agent

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusDead      Status = "dead"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusPaused, StatusDead, StatusSuspended:
		return true
	}
	return false
}

// RootGeneration is the generation of a user's main agent.
const RootGeneration = 1

// Agent is an isolated trading sub-account positioned in its owner's spawn tree.
type Agent struct {
	ID              string          `json:"agent_id"`
	UserID          string          `json:"user_id"`
	ParentAgentID   string          `json:"parent_agent_id,omitempty"`
	Generation      int             `json:"generation"`
	InitialBalance  decimal.Decimal `json:"initial_balance"`
	IsolatedBalance decimal.Decimal `json:"isolated_balance"`
	TotalEarnings   decimal.Decimal `json:"total_earnings"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsRoot reports whether a is a generation-1 agent.
func (a Agent) IsRoot() bool { return a.Generation == RootGeneration && a.ParentAgentID == "" }

// IsActive reports whether a may trade and spawn.
func (a Agent) IsActive() bool { return a.Status == StatusActive }

// NewRoot builds a main agent for userID funded with initial.
func NewRoot(id, userID string, initial decimal.Decimal, now time.Time) Agent {
	return Agent{
		ID:              id,
		UserID:          userID,
		Generation:      RootGeneration,
		InitialBalance:  initial,
		IsolatedBalance: initial,
		TotalEarnings:   decimal.Zero,
		Status:          StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// NewChild builds a child of parent funded with balance. The child always
// belongs to the parent's user and sits one generation below it.
func NewChild(parent Agent, id string, balance decimal.Decimal, now time.Time) Agent {
	return Agent{
		ID:              id,
		UserID:          parent.UserID,
		ParentAgentID:   parent.ID,
		Generation:      parent.Generation + 1,
		InitialBalance:  balance,
		IsolatedBalance: balance,
		TotalEarnings:   decimal.Zero,
		Status:          StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Portfolio aggregates a user's active agents.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	TotalBalance  decimal.Decimal `json:"total_balance"`
	TotalEarnings decimal.Decimal `json:"total_earnings"`
	AgentCount    int             `json:"agent_count"`
	MainAgentID   string          `json:"main_agent_id,omitempty"`
	Agents        []Agent         `json:"agents"`
}
