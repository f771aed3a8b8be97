package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore persists entries in the audit_log table.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type auditRow struct {
	ID            string    `db:"id"`
	EventType     string    `db:"event_type"`
	OccurredAt    time.Time `db:"occurred_at"`
	UserID        string    `db:"user_id"`
	AdminID       string    `db:"admin_id"`
	AgentID       string    `db:"agent_id"`
	WalletAddress string    `db:"wallet_address"`
	Operation     string    `db:"operation"`
	Command       string    `db:"command"`
	Parameters    []byte    `db:"parameters"`
	TargetUserID  string    `db:"target_user_id"`
	Amount        string    `db:"amount"`
	Token         string    `db:"token"`
	Success       bool      `db:"success"`
	ErrorMessage  string    `db:"error_message"`
}

const auditColumns = `id, event_type, occurred_at, user_id, admin_id, agent_id, wallet_address,
	operation, command, parameters, target_user_id, amount, token, success, error_message`

func (s *PostgresStore) Insert(ctx context.Context, e Entry) error {
	params := Sanitize(e.Parameters)
	if params == nil {
		params = map[string]interface{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal audit parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.ID, string(e.EventType), e.Timestamp, e.UserID, e.AdminID, e.AgentID, e.WalletAddress,
		e.Operation, e.Command, raw, e.TargetUserID, e.Amount, e.Token, e.Success, e.ErrorMessage)
	return err
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("event_type", string(f.EventType))
	add("user_id", f.UserID)
	add("admin_id", f.AdminID)

	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(` ORDER BY occurred_at DESC, id DESC LIMIT $%d`, len(args))

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{
			ID:            r.ID,
			EventType:     EventType(r.EventType),
			Timestamp:     r.OccurredAt.UTC(),
			UserID:        r.UserID,
			AdminID:       r.AdminID,
			AgentID:       r.AgentID,
			WalletAddress: r.WalletAddress,
			Operation:     r.Operation,
			Command:       r.Command,
			TargetUserID:  r.TargetUserID,
			Amount:        r.Amount,
			Token:         r.Token,
			Success:       r.Success,
			ErrorMessage:  r.ErrorMessage,
		}
		if len(r.Parameters) > 0 {
			_ = json.Unmarshal(r.Parameters, &e.Parameters)
		}
		out = append(out, e)
	}
	return out, nil
}
