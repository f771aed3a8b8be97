package agent

import (
	"time"

	"github.com/shopspring/decimal"

	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
)

// Apply computes the effect of a journal row of type typ and signed amount
// on a. It returns the updated agent and the effective amount to journal,
// which differs from amount only when a loss is clamped at zero.
func Apply(a Agent, typ TxType, amount decimal.Decimal, now time.Time) (Agent, decimal.Decimal, error) {
	switch typ {
	case TxDeposit:
		if !amount.IsPositive() {
			return a, decimal.Zero, svcerrors.InvalidAmount("deposit amount must be positive, got %s", amount)
		}
		a.IsolatedBalance = a.IsolatedBalance.Add(amount)
		if a.Status == StatusDead {
			a.Status = StatusActive
		}

	case TxProfit:
		if a.Status != StatusActive && a.Status != StatusPaused {
			return a, decimal.Zero, svcerrors.InvalidState("agent %s is %s", a.ID, a.Status)
		}
		next := a.IsolatedBalance.Add(amount)
		if next.IsNegative() {
			amount = a.IsolatedBalance.Neg()
			next = decimal.Zero
		}
		a.IsolatedBalance = next
		a.TotalEarnings = a.TotalEarnings.Add(amount)
		if amount.IsNegative() {
			markDeadIfEmpty(&a)
		}

	case TxFee, TxWithdrawal:
		if !amount.IsNegative() {
			return a, decimal.Zero, svcerrors.InvalidAmount("%s amount must be negative, got %s", typ, amount)
		}
		if a.Status == StatusDead {
			return a, decimal.Zero, svcerrors.InvalidState("agent %s is dead", a.ID)
		}
		if typ == TxWithdrawal && a.Status == StatusSuspended {
			return a, decimal.Zero, svcerrors.InvalidState("agent %s is suspended", a.ID)
		}
		if a.IsolatedBalance.LessThan(amount.Neg()) {
			return a, decimal.Zero, svcerrors.InsufficientBalance(a.IsolatedBalance.String(), amount.Neg().String())
		}
		a.IsolatedBalance = a.IsolatedBalance.Add(amount)
		markDeadIfEmpty(&a)

	case TxSpawnChild:
		if !amount.IsNegative() {
			return a, decimal.Zero, svcerrors.InvalidAmount("spawn amount must be negative, got %s", amount)
		}
		if a.Status != StatusActive {
			return a, decimal.Zero, svcerrors.InvalidState("agent %s is %s", a.ID, a.Status)
		}
		if a.TotalEarnings.LessThan(amount.Neg()) {
			return a, decimal.Zero, svcerrors.InsufficientEarnings(a.TotalEarnings.String(), amount.Neg().String())
		}
		a.TotalEarnings = a.TotalEarnings.Add(amount)

	default:
		return a, decimal.Zero, svcerrors.InvalidArgument("unknown transaction type %q", typ)
	}

	a.UpdatedAt = now
	return a, amount, nil
}

func markDeadIfEmpty(a *Agent) {
	if !a.IsolatedBalance.IsPositive() {
		a.IsolatedBalance = decimal.Zero
		a.Status = StatusDead
	}
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusSuspended},
	StatusActive:    {StatusPaused, StatusSuspended},
	StatusPaused:    {StatusActive, StatusSuspended},
	StatusSuspended: {StatusActive, StatusPaused},
}

// CanTransition validates an explicit status change. Death is reached only
// through the balance rules and left only through a deposit.
func CanTransition(from, to Status) error {
	if !to.Valid() {
		return svcerrors.InvalidArgument("unknown status %q", to)
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return svcerrors.InvalidState("cannot move agent from %s to %s", from, to)
}

// Replay rebuilds the balance from initial and the agent's journal, checking
// every balance_after snapshot along the way.
func Replay(initial decimal.Decimal, txs []Transaction) (decimal.Decimal, error) {
	running := initial
	for _, tx := range txs {
		if tx.Type.AffectsBalance() {
			running = running.Add(tx.Amount)
		}
		if !running.Equal(tx.BalanceAfter) {
			return running, svcerrors.JournalMismatch("transaction %d: replayed %s, recorded %s", tx.ID, running, tx.BalanceAfter)
		}
	}
	return running, nil
}
