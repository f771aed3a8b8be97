package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/agentledger/internal/audit"
	"github.com/R3E-Network/agentledger/internal/conversion"
	"github.com/R3E-Network/agentledger/internal/domain/agent"
	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
	"github.com/R3E-Network/agentledger/internal/metrics"
)

// Deposit is a confirmed on-chain stablecoin deposit.
type Deposit struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
	Token  string          `json:"token"`
	TxHash string          `json:"tx_hash"`
}

// DepositResult describes how a deposit was credited.
type DepositResult struct {
	Agent       agent.Agent        `json:"agent"`
	Conversion  conversion.Result  `json:"conversion"`
	Created     bool               `json:"created"`
	Transaction *agent.Transaction `json:"transaction,omitempty"`
}

// ProcessDeposit converts a deposit into credit units and credits the
// user's main agent, creating it on the first deposit. A TxHash is applied
// at most once.
func (s *Service) ProcessDeposit(ctx context.Context, d Deposit) (DepositResult, error) {
	if s.converter == nil {
		return DepositResult{}, svcerrors.Internal("deposit conversion is not configured", nil)
	}
	if strings.TrimSpace(d.UserID) == "" {
		return DepositResult{}, svcerrors.InvalidArgument("user id is required")
	}
	if err := s.converter.ValidateDeposit(d.Amount); err != nil {
		return DepositResult{}, err
	}
	conv, err := s.converter.Convert(d.Amount, d.Token)
	if err != nil {
		return DepositResult{}, err
	}

	if d.TxHash != "" && s.guard != nil {
		claimed, err := s.guard.Claim(ctx, d.TxHash)
		if err != nil {
			return DepositResult{}, err
		}
		if !claimed {
			return DepositResult{}, svcerrors.Duplicate("deposit", d.TxHash)
		}
	}

	result, err := s.creditDeposit(ctx, d, conv)
	if err != nil {
		if d.TxHash != "" && s.guard != nil {
			if relErr := s.guard.Release(ctx, d.TxHash); relErr != nil {
				s.log.WithError(relErr).WithField("tx_hash", d.TxHash).Error("release deposit claim")
			}
		}
		return DepositResult{}, err
	}

	metrics.RecordCreditedUnits(conv.Token, conv.CreditedUnits.InexactFloat64())
	s.log.WithField("user_id", d.UserID).
		WithField("agent_id", result.Agent.ID).
		WithField("token", conv.Token).
		WithField("credited_units", conv.CreditedUnits.String()).
		WithField("created", result.Created).
		Info("deposit credited")

	dep := audit.Deposit(d.UserID, result.Agent.ID, d.Amount, conv.Token, d.TxHash)
	dep.Parameters["credited_units"] = conv.CreditedUnits.String()
	s.audit(dep)
	if conv.PlatformFee.IsPositive() {
		s.audit(audit.FeeCollection(d.UserID, result.Agent.ID, conv.PlatformFee, conv.Token))
	}
	return result, nil
}

func (s *Service) creditDeposit(ctx context.Context, d Deposit, conv conversion.Result) (DepositResult, error) {
	result := DepositResult{Conversion: conv}
	description := fmt.Sprintf("deposit %s %s", d.Amount, conv.Token)
	if d.TxHash != "" {
		description += " tx " + d.TxHash
	}

	root, err := s.store.FindRootAgent(ctx, d.UserID)
	switch {
	case errors.Is(err, svcerrors.ErrNotFound):
		var created bool
		root, created, err = s.createRoot(ctx, d.UserID, conv.CreditedUnits, "")
		if err != nil {
			return DepositResult{}, err
		}
		if created {
			result.Agent, result.Created = root, true
			return result, nil
		}
		// A concurrent deposit created the root first; credit it instead.
	case err != nil:
		return DepositResult{}, err
	}

	var (
		updated agent.Agent
		tx      agent.Transaction
	)
	err = s.run(ctx, "deposit", func() error {
		var err error
		updated, tx, err = s.store.AppendTransaction(ctx, root.ID, agent.TxDeposit, conv.CreditedUnits, description)
		return err
	})
	if err != nil {
		return DepositResult{}, err
	}
	result.Agent = updated
	result.Transaction = &tx
	return result, nil
}

// Withdraw moves amount out of the agent's balance to address.
func (s *Service) Withdraw(ctx context.Context, agentID string, amount decimal.Decimal, address, actorID string) (agent.Agent, error) {
	if !amount.IsPositive() {
		return agent.Agent{}, svcerrors.InvalidAmount("withdrawal amount must be positive, got %s", amount)
	}
	if strings.TrimSpace(address) == "" {
		return agent.Agent{}, svcerrors.InvalidArgument("withdrawal address is required")
	}

	var updated agent.Agent
	err := s.run(ctx, "withdraw", func() error {
		var err error
		updated, _, err = s.store.AppendTransaction(ctx, agentID, agent.TxWithdrawal, amount.Neg(), "withdrawal to "+address)
		return err
	})
	if err != nil {
		s.audit(audit.Withdrawal(s.ownerOf(ctx, agentID), agentID, amount, address, actorID).WithResult(err))
		return agent.Agent{}, err
	}
	s.audit(audit.Withdrawal(updated.UserID, agentID, amount, address, actorID))
	return updated, nil
}

// ChargeFee debits a platform fee from the agent's balance.
func (s *Service) ChargeFee(ctx context.Context, agentID string, amount decimal.Decimal, reason string) (agent.Agent, error) {
	if !amount.IsPositive() {
		return agent.Agent{}, svcerrors.InvalidAmount("fee amount must be positive, got %s", amount)
	}
	description := "fee"
	if reason != "" {
		description += ": " + reason
	}

	var updated agent.Agent
	err := s.run(ctx, "charge_fee", func() error {
		var err error
		updated, _, err = s.store.AppendTransaction(ctx, agentID, agent.TxFee, amount.Neg(), description)
		return err
	})
	if err != nil {
		return agent.Agent{}, err
	}
	s.audit(audit.FeeCollection(updated.UserID, agentID, amount, "credits"))
	return updated, nil
}
