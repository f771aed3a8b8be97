// Package audit records privileged operations in an append-only, sanitized
// log that lives outside the ledger's transactional path.
package audit

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventKeyDecryption EventType = "key_decryption"
	EventAdminAction   EventType = "admin_action"
	EventFeeCollection EventType = "fee_collection"
	EventWithdrawal    EventType = "withdrawal"
	EventDeposit       EventType = "deposit"
	EventSpawn         EventType = "spawn"
	EventStatusChange  EventType = "status_change"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventKeyDecryption, EventAdminAction, EventFeeCollection, EventWithdrawal,
		EventDeposit, EventSpawn, EventStatusChange:
		return true
	}
	return false
}

// Entry is one immutable audit record.
type Entry struct {
	ID            string                 `json:"id"`
	EventType     EventType              `json:"event_type"`
	Timestamp     time.Time              `json:"timestamp"`
	UserID        string                 `json:"user_id,omitempty"`
	AdminID       string                 `json:"admin_id,omitempty"`
	AgentID       string                 `json:"agent_id,omitempty"`
	WalletAddress string                 `json:"wallet_address,omitempty"`
	Operation     string                 `json:"operation,omitempty"`
	Command       string                 `json:"command,omitempty"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	TargetUserID  string                 `json:"target_user_id,omitempty"`
	Amount        string                 `json:"amount,omitempty"`
	Token         string                 `json:"token,omitempty"`
	Success       bool                   `json:"success"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
}

// WithResult marks the entry successful when err is nil, failed otherwise.
func (e Entry) WithResult(err error) Entry {
	e.Success = err == nil
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}

// KeyDecryption records an admin decrypting a wallet key for operation.
func KeyDecryption(walletAddress, operation, adminID string) Entry {
	return Entry{
		EventType:     EventKeyDecryption,
		WalletAddress: walletAddress,
		Operation:     operation,
		AdminID:       adminID,
		Success:       true,
	}
}

// AdminAction records an admin command with its parameters.
func AdminAction(adminID, command string, params map[string]interface{}, targetUserID string) Entry {
	return Entry{
		EventType:    EventAdminAction,
		AdminID:      adminID,
		Command:      command,
		Parameters:   params,
		TargetUserID: targetUserID,
		Success:      true,
	}
}

// FeeCollection records a platform fee taken from userID.
func FeeCollection(userID, agentID string, amount decimal.Decimal, token string) Entry {
	return Entry{
		EventType: EventFeeCollection,
		UserID:    userID,
		AgentID:   agentID,
		Amount:    amount.String(),
		Token:     token,
		Success:   true,
	}
}

// Withdrawal records funds leaving agentID for address.
func Withdrawal(userID, agentID string, amount decimal.Decimal, address, actorID string) Entry {
	return Entry{
		EventType:     EventWithdrawal,
		UserID:        userID,
		AgentID:       agentID,
		AdminID:       actorID,
		WalletAddress: address,
		Amount:        amount.String(),
		Success:       true,
	}
}

// Deposit records a credited stablecoin deposit.
func Deposit(userID, agentID string, amount decimal.Decimal, token, txHash string) Entry {
	return Entry{
		EventType:  EventDeposit,
		UserID:     userID,
		AgentID:    agentID,
		Amount:     amount.String(),
		Token:      token,
		Parameters: map[string]interface{}{"tx_hash": txHash},
		Success:    true,
	}
}

// Spawn records a child agent funded from its parent's earnings.
func Spawn(userID, parentID, childID string, amount decimal.Decimal, reason, actorID string) Entry {
	return Entry{
		EventType: EventSpawn,
		UserID:    userID,
		AgentID:   parentID,
		AdminID:   actorID,
		Amount:    amount.String(),
		Parameters: map[string]interface{}{
			"child_agent_id": childID,
			"reason":         reason,
		},
		Success: true,
	}
}

// StatusChange records an explicit agent status transition.
func StatusChange(userID, agentID, adminID, from, to, reason string) Entry {
	return Entry{
		EventType: EventStatusChange,
		UserID:    userID,
		AgentID:   agentID,
		AdminID:   adminID,
		Operation: from + "->" + to,
		Parameters: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
		Success: true,
	}
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	EventType EventType
	UserID    string
	AdminID   string
	Limit     int
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	}
	return f.Limit
}

// Matches reports whether e passes every non-zero field of f.
func (f Filter) Matches(e Entry) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.AdminID != "" && e.AdminID != f.AdminID {
		return false
	}
	return true
}
