package agent

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType classifies a journal row.
type TxType string

const (
	TxDeposit    TxType = "deposit"
	TxProfit     TxType = "profit"
	TxSpawnChild TxType = "spawn_child"
	TxFee        TxType = "fee"
	TxWithdrawal TxType = "withdrawal"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxDeposit, TxProfit, TxSpawnChild, TxFee, TxWithdrawal:
		return true
	}
	return false
}

// AffectsBalance reports whether rows of type t move isolated_balance.
// spawn_child rows debit earnings only.
func (t TxType) AffectsBalance() bool { return t != TxSpawnChild }

// Transaction is one immutable journal row.
type Transaction struct {
	ID           int64           `json:"id"`
	AgentID      string          `json:"agent_id"`
	Type         TxType          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
}
