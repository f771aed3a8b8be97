package eligibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/agentledger/internal/domain/agent"
	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
	"github.com/R3E-Network/agentledger/internal/storage/memory"
)

func withEarnings(balance, earnings string) agent.Agent {
	a := agent.NewRoot("a1", "u1", decimal.RequireFromString(balance), time.Now())
	a.TotalEarnings = decimal.RequireFromString(earnings)
	return a
}

func TestThresholdPolicy(t *testing.T) {
	p := DefaultPolicy()

	d := p.Evaluate(withEarnings("100", "50"))
	assert.True(t, d.Eligible)
	assert.True(t, d.SuggestedChildBalance.Equal(decimal.NewFromInt(10)))

	d = p.Evaluate(withEarnings("100", "49.99"))
	assert.False(t, d.Eligible)
	assert.True(t, d.SuggestedChildBalance.IsZero())

	d = p.Evaluate(withEarnings("0", "0"))
	assert.False(t, d.Eligible, "zero earnings must never be eligible")

	paused := withEarnings("10", "100")
	paused.Status = agent.StatusPaused
	assert.False(t, p.Evaluate(paused).Eligible)
}

func TestEvaluatorCheck(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	root, _, err := store.CreateRootAgent(ctx, agent.NewRoot("", "u1", decimal.NewFromInt(20), time.Now()))
	require.NoError(t, err)
	_, _, err = store.AppendTransaction(ctx, root.ID, agent.TxProfit, decimal.NewFromInt(60), "")
	require.NoError(t, err)

	d, err := NewEvaluator(store, nil).Check(ctx, root.ID)
	require.NoError(t, err)
	assert.True(t, d.Eligible)
	assert.Equal(t, root.ID, d.AgentID)
	assert.True(t, d.SuggestedChildBalance.Equal(decimal.NewFromInt(12)))

	_, err = NewEvaluator(store, nil).Check(ctx, "missing")
	assert.True(t, errors.Is(err, svcerrors.ErrNotFound))
}

func TestEvaluatorCustomPolicy(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	root, _, err := store.CreateRootAgent(ctx, agent.NewRoot("", "u1", decimal.NewFromInt(1), time.Now()))
	require.NoError(t, err)

	always := PolicyFunc(func(a agent.Agent) Decision {
		return Decision{Eligible: true, SuggestedChildBalance: decimal.NewFromInt(3), Reason: "override"}
	})
	d, err := NewEvaluator(store, always).Check(ctx, root.ID)
	require.NoError(t, err)
	assert.True(t, d.Eligible)
	assert.Equal(t, "override", d.Reason)
	assert.Equal(t, root.ID, d.AgentID)
}
