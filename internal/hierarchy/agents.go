package hierarchy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/agentledger/internal/audit"
	"github.com/R3E-Network/agentledger/internal/domain/agent"
	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
	"github.com/R3E-Network/agentledger/internal/storage"
)

// =============================================================================
// Tree Mutations
// =============================================================================

// CreateMainAgent returns the user's active root or creates one funded with
// initialBalance. agentID is optional. No journal row is written; the
// initial balance is the replay baseline.
func (s *Service) CreateMainAgent(ctx context.Context, userID string, initialBalance decimal.Decimal, agentID string) (agent.Agent, error) {
	if strings.TrimSpace(userID) == "" {
		return agent.Agent{}, svcerrors.InvalidArgument("user id is required")
	}
	if initialBalance.IsNegative() {
		return agent.Agent{}, svcerrors.InvalidAmount("initial balance must not be negative, got %s", initialBalance)
	}

	root, created, err := s.createRoot(ctx, userID, initialBalance, agentID)
	if err != nil {
		return agent.Agent{}, err
	}
	if !created {
		s.log.WithField("user_id", userID).WithField("agent_id", root.ID).Debug("main agent already exists")
	}
	return root, nil
}

func (s *Service) createRoot(ctx context.Context, userID string, initialBalance decimal.Decimal, agentID string) (agent.Agent, bool, error) {
	var (
		root    agent.Agent
		created bool
	)
	err := s.run(ctx, "create_main_agent", func() error {
		var err error
		root, created, err = s.store.CreateRootAgent(ctx, agent.NewRoot(agentID, userID, initialBalance, time.Now().UTC()))
		return err
	})
	if err != nil {
		return agent.Agent{}, false, err
	}
	if created {
		s.log.WithField("user_id", userID).
			WithField("agent_id", root.ID).
			WithField("initial_balance", initialBalance.String()).
			Info("main agent created")
	}
	return root, created, nil
}

// RecordAgentProfit applies a trading profit or loss. tradeDetails is the
// engine's JSON payload; symbol, side and trade_id end up in the journal
// description.
func (s *Service) RecordAgentProfit(ctx context.Context, agentID string, amount decimal.Decimal, tradeDetails []byte) (agent.Agent, error) {
	description := describeTrade(tradeDetails)

	var updated agent.Agent
	err := s.run(ctx, "record_profit", func() error {
		var err error
		updated, _, err = s.store.AppendTransaction(ctx, agentID, agent.TxProfit, amount, description)
		return err
	})
	if err != nil {
		return agent.Agent{}, err
	}
	if updated.Status == agent.StatusDead {
		s.log.WithField("agent_id", agentID).Warn("agent balance exhausted; agent is dead")
	}
	return updated, nil
}

func describeTrade(details []byte) string {
	if len(details) == 0 || !gjson.ValidBytes(details) {
		return "trading pnl"
	}
	fields := gjson.GetManyBytes(details, "symbol", "side", "trade_id")
	var parts []string
	if side := fields[1].String(); side != "" {
		parts = append(parts, strings.ToLower(side))
	}
	if symbol := fields[0].String(); symbol != "" {
		parts = append(parts, symbol)
	}
	desc := "trading pnl"
	if len(parts) > 0 {
		desc = "trade " + strings.Join(parts, " ")
	}
	if id := fields[2].String(); id != "" {
		desc += " (" + id + ")"
	}
	return desc
}

// SpawnChildAgent funds a new child of parentID from the parent's realized
// earnings. The child insert, the earnings debit and the parent's
// spawn_child journal row commit together or not at all; the parent's
// balance is never touched.
func (s *Service) SpawnChildAgent(ctx context.Context, parentID string, childBalance decimal.Decimal, reason, actorID string) (agent.Agent, error) {
	if !childBalance.IsPositive() {
		return agent.Agent{}, svcerrors.InvalidAmount("child balance must be positive, got %s", childBalance)
	}

	childID := uuid.NewString()
	description := fmt.Sprintf("spawn child %s", childID)
	if reason != "" {
		description += ": " + reason
	}
	write := storage.MultiAgentWrite{
		Entries: []storage.Entry{{
			AgentID:     parentID,
			Type:        agent.TxSpawnChild,
			Amount:      childBalance.Neg(),
			Description: description,
		}},
		Derive: func(locked map[string]agent.Agent) ([]agent.Agent, error) {
			parent := locked[parentID]
			return []agent.Agent{agent.NewChild(parent, childID, childBalance, time.Now().UTC())}, nil
		},
	}

	var result storage.MultiAgentResult
	err := s.run(ctx, "spawn_child", func() error {
		var err error
		result, err = s.store.AppendMultiAgentTransaction(ctx, write)
		return err
	})
	if err != nil {
		entry := audit.Spawn(s.ownerOf(ctx, parentID), parentID, "", childBalance, reason, actorID).WithResult(err)
		s.audit(entry)
		return agent.Agent{}, err
	}

	child := result.Created[0]
	parent := result.Agents[parentID]
	s.log.WithField("parent_id", parentID).
		WithField("child_id", child.ID).
		WithField("generation", child.Generation).
		WithField("child_balance", childBalance.String()).
		Info("child agent spawned")
	s.audit(audit.Spawn(parent.UserID, parentID, child.ID, childBalance, reason, actorID))
	return child, nil
}

// SetAgentStatus pauses, suspends or resumes an agent. Death is reached
// only through the balance rules.
func (s *Service) SetAgentStatus(ctx context.Context, agentID string, status agent.Status, adminID, reason string) (agent.Agent, error) {
	before, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return agent.Agent{}, err
	}

	var updated agent.Agent
	err = s.run(ctx, "set_status", func() error {
		var err error
		updated, err = s.store.UpdateStatus(ctx, agentID, status)
		return err
	})
	entry := audit.StatusChange(before.UserID, agentID, adminID, string(before.Status), string(status), reason).WithResult(err)
	s.audit(entry)
	if err != nil {
		return agent.Agent{}, err
	}
	return updated, nil
}

// =============================================================================
// Reads
// =============================================================================

// GetAgentInfo returns the agent or NotFound.
func (s *Service) GetAgentInfo(ctx context.Context, agentID string) (agent.Agent, error) {
	return s.store.GetAgent(ctx, agentID)
}

// GetUserPortfolio aggregates the user's active agents in tree order.
func (s *Service) GetUserPortfolio(ctx context.Context, userID string) (agent.Portfolio, error) {
	all, err := s.store.ListUserAgents(ctx, userID)
	if err != nil {
		return agent.Portfolio{}, err
	}
	p := agent.Portfolio{
		UserID:        userID,
		TotalBalance:  decimal.Zero,
		TotalEarnings: decimal.Zero,
		Agents:        make([]agent.Agent, 0, len(all)),
	}
	for _, a := range all {
		if !a.IsActive() {
			continue
		}
		p.Agents = append(p.Agents, a)
		p.TotalBalance = p.TotalBalance.Add(a.IsolatedBalance)
		p.TotalEarnings = p.TotalEarnings.Add(a.TotalEarnings)
		if a.IsRoot() && p.MainAgentID == "" {
			p.MainAgentID = a.ID
		}
	}
	p.AgentCount = len(p.Agents)
	return p, nil
}

// ListChildren returns the direct children of parentID.
func (s *Service) ListChildren(ctx context.Context, parentID string) ([]agent.Agent, error) {
	return s.store.ListChildren(ctx, parentID)
}

// GetTransactions returns the agent's journal in order.
func (s *Service) GetTransactions(ctx context.Context, agentID string) ([]agent.Transaction, error) {
	return s.store.ListTransactions(ctx, agentID)
}

// JournalReport is the result of replaying one agent's journal.
type JournalReport struct {
	AgentID        string          `json:"agent_id"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Balance        decimal.Decimal `json:"isolated_balance"`
	Replayed       decimal.Decimal `json:"replayed_balance"`
	Transactions   int             `json:"transactions"`
	Consistent     bool            `json:"consistent"`
}

// VerifyJournal replays the agent's journal from its initial balance and
// fails with JournalMismatch when the result diverges from the stored
// balance or any balance_after snapshot.
func (s *Service) VerifyJournal(ctx context.Context, agentID string) (JournalReport, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return JournalReport{}, err
	}
	txs, err := s.store.ListTransactions(ctx, agentID)
	if err != nil {
		return JournalReport{}, err
	}
	report := JournalReport{
		AgentID:        agentID,
		InitialBalance: a.InitialBalance,
		Balance:        a.IsolatedBalance,
		Transactions:   len(txs),
	}
	replayed, err := agent.Replay(a.InitialBalance, txs)
	report.Replayed = replayed
	if err != nil {
		return report, err
	}
	if !replayed.Equal(a.IsolatedBalance) {
		return report, svcerrors.JournalMismatch("agent %s: replayed %s, stored %s", agentID, replayed, a.IsolatedBalance)
	}
	report.Consistent = true
	return report, nil
}
