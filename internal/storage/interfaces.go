// Package storage declares the ledger persistence contract shared by the
// in-memory and PostgreSQL backends.
package storage

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/agentledger/internal/domain/agent"
)

// AgentReader exposes read-only access to agents and their journals.
type AgentReader interface {
	GetAgent(ctx context.Context, id string) (agent.Agent, error)
	// FindRootAgent returns the user's active generation-1 agent, or the most
	// recently created root of any status when none is active.
	FindRootAgent(ctx context.Context, userID string) (agent.Agent, error)
	// ListUserAgents returns every agent of the user ordered by (generation, created_at).
	ListUserAgents(ctx context.Context, userID string) ([]agent.Agent, error)
	ListChildren(ctx context.Context, parentID string) ([]agent.Agent, error)
	// ListTransactions returns the agent's journal ordered by (created_at, id).
	ListTransactions(ctx context.Context, agentID string) ([]agent.Transaction, error)
}

// LedgerStore is the single source of truth for agent balances.
type LedgerStore interface {
	AgentReader

	// CreateRootAgent returns the user's existing active root unchanged
	// (created=false) or inserts root (created=true), atomically.
	CreateRootAgent(ctx context.Context, root agent.Agent) (agent.Agent, bool, error)

	// AppendTransaction locks the agent, applies agent.Apply for typ and writes
	// the agent row together with the journal row.
	AppendTransaction(ctx context.Context, agentID string, typ agent.TxType, amount decimal.Decimal, description string) (agent.Agent, agent.Transaction, error)

	// AppendMultiAgentTransaction commits every entry and every derived agent,
	// or nothing.
	AppendMultiAgentTransaction(ctx context.Context, write MultiAgentWrite) (MultiAgentResult, error)

	// UpdateStatus applies an explicit status change validated by agent.CanTransition.
	UpdateStatus(ctx context.Context, agentID string, status agent.Status) (agent.Agent, error)
}

// Entry is one journal append inside a multi-agent write.
type Entry struct {
	AgentID     string
	Type        agent.TxType
	Amount      decimal.Decimal
	Description string
}

// MultiAgentWrite groups entries that must commit together. Derive, when set,
// receives the locked pre-write snapshot of every entry's agent and returns
// new agents to insert in the same unit.
type MultiAgentWrite struct {
	Entries []Entry
	Derive  func(locked map[string]agent.Agent) ([]agent.Agent, error)
}

// AgentIDs returns the distinct agent ids referenced by w.
func (w MultiAgentWrite) AgentIDs() []string {
	seen := make(map[string]struct{}, len(w.Entries))
	ids := make([]string, 0, len(w.Entries))
	for _, e := range w.Entries {
		if _, ok := seen[e.AgentID]; ok {
			continue
		}
		seen[e.AgentID] = struct{}{}
		ids = append(ids, e.AgentID)
	}
	return ids
}

// MultiAgentResult reports the committed state of a multi-agent write.
type MultiAgentResult struct {
	Agents       map[string]agent.Agent
	Created      []agent.Agent
	Transactions []agent.Transaction
}
