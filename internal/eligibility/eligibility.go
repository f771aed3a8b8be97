// Package eligibility proposes whether an agent should spawn a child and
// with how much. Decisions are advisory; the ledger enforces the hard rule.
package eligibility

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/agentledger/internal/domain/agent"
)

// Decision is the outcome of an eligibility check.
type Decision struct {
	AgentID               string          `json:"agent_id"`
	Eligible              bool            `json:"eligible"`
	SuggestedChildBalance decimal.Decimal `json:"suggested_child_balance"`
	Reason                string          `json:"reason"`
}

// Policy decides eligibility for one agent snapshot.
type Policy interface {
	Evaluate(a agent.Agent) Decision
}

// ThresholdPolicy makes an agent eligible once its earnings reach
// EarningsRatio of its balance, suggesting SuggestRatio of the earnings.
type ThresholdPolicy struct {
	EarningsRatio decimal.Decimal
	SuggestRatio  decimal.Decimal
}

// DefaultPolicy returns the 0.5 / 0.2 threshold policy.
func DefaultPolicy() ThresholdPolicy {
	return ThresholdPolicy{
		EarningsRatio: decimal.RequireFromString("0.5"),
		SuggestRatio:  decimal.RequireFromString("0.2"),
	}
}

func (p ThresholdPolicy) Evaluate(a agent.Agent) Decision {
	d := Decision{AgentID: a.ID, SuggestedChildBalance: decimal.Zero}
	switch {
	case !a.IsActive():
		d.Reason = fmt.Sprintf("agent is %s", a.Status)
	case !a.TotalEarnings.IsPositive():
		d.Reason = "no realized earnings"
	case a.TotalEarnings.LessThan(a.IsolatedBalance.Mul(p.EarningsRatio)):
		d.Reason = fmt.Sprintf("earnings %s below %s of balance %s", a.TotalEarnings, p.EarningsRatio, a.IsolatedBalance)
	default:
		d.Eligible = true
		d.SuggestedChildBalance = a.TotalEarnings.Mul(p.SuggestRatio)
		d.Reason = "earnings threshold reached"
	}
	return d
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(a agent.Agent) Decision

func (f PolicyFunc) Evaluate(a agent.Agent) Decision { return f(a) }

// AgentGetter is the read dependency of Evaluator.
type AgentGetter interface {
	GetAgent(ctx context.Context, id string) (agent.Agent, error)
}

// Evaluator loads agents and applies the configured Policy.
type Evaluator struct {
	agents AgentGetter
	policy Policy
}

// NewEvaluator uses DefaultPolicy when policy is nil.
func NewEvaluator(agents AgentGetter, policy Policy) *Evaluator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Evaluator{agents: agents, policy: policy}
}

// Check evaluates the agent's current snapshot. NotFound propagates.
func (e *Evaluator) Check(ctx context.Context, agentID string) (Decision, error) {
	a, err := e.agents.GetAgent(ctx, agentID)
	if err != nil {
		return Decision{}, err
	}
	d := e.policy.Evaluate(a)
	d.AgentID = a.ID
	return d, nil
}
