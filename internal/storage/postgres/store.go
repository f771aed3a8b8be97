// Package postgres implements the LedgerStore on PostgreSQL. Every mutation
// runs in one transaction that row-locks the affected agents with
// SELECT ... FOR UPDATE before computing the new balances.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/agentledger/internal/domain/agent"
	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
	"github.com/R3E-Network/agentledger/internal/storage"
)

const agentColumns = `agent_id, user_id, parent_agent_id, generation, initial_balance,
	isolated_balance, total_earnings, status, created_at, updated_at`

const txColumns = `id, agent_id, type, amount, balance_after, description, created_at`

type agentRow struct {
	ID              string          `db:"agent_id"`
	UserID          string          `db:"user_id"`
	ParentAgentID   sql.NullString  `db:"parent_agent_id"`
	Generation      int             `db:"generation"`
	InitialBalance  decimal.Decimal `db:"initial_balance"`
	IsolatedBalance decimal.Decimal `db:"isolated_balance"`
	TotalEarnings   decimal.Decimal `db:"total_earnings"`
	Status          string          `db:"status"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r agentRow) toDomain() agent.Agent {
	return agent.Agent{
		ID:              r.ID,
		UserID:          r.UserID,
		ParentAgentID:   r.ParentAgentID.String,
		Generation:      r.Generation,
		InitialBalance:  r.InitialBalance,
		IsolatedBalance: r.IsolatedBalance,
		TotalEarnings:   r.TotalEarnings,
		Status:          agent.Status(r.Status),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

type txRow struct {
	ID           int64           `db:"id"`
	AgentID      string          `db:"agent_id"`
	Type         string          `db:"type"`
	Amount       decimal.Decimal `db:"amount"`
	BalanceAfter decimal.Decimal `db:"balance_after"`
	Description  string          `db:"description"`
	CreatedAt    time.Time       `db:"created_at"`
}

func (r txRow) toDomain() agent.Transaction {
	return agent.Transaction{
		ID:           r.ID,
		AgentID:      r.AgentID,
		Type:         agent.TxType(r.Type),
		Amount:       r.Amount,
		BalanceAfter: r.BalanceAfter,
		Description:  r.Description,
		CreatedAt:    r.CreatedAt.UTC(),
	}
}

// Store implements storage.LedgerStore backed by PostgreSQL.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ storage.LedgerStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// --- reads ------------------------------------------------------------------

func (s *Store) GetAgent(ctx context.Context, id string) (agent.Agent, error) {
	return getAgent(ctx, s.db, id, false)
}

func getAgent(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (agent.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row agentRow
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return agent.Agent{}, svcerrors.NotFound("agent", id)
		}
		return agent.Agent{}, classify(err)
	}
	return row.toDomain(), nil
}

func (s *Store) FindRootAgent(ctx context.Context, userID string) (agent.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE user_id = $1 AND generation = 1 AND parent_agent_id IS NULL
		ORDER BY (status = 'active') DESC, created_at DESC
		LIMIT 1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return agent.Agent{}, svcerrors.NotFound("root agent for user", userID)
		}
		return agent.Agent{}, classify(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListUserAgents(ctx context.Context, userID string) ([]agent.Agent, error) {
	var rows []agentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE user_id = $1
		ORDER BY generation, created_at, agent_id
	`, userID)
	if err != nil {
		return nil, classify(err)
	}
	return agentsFromRows(rows), nil
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]agent.Agent, error) {
	var rows []agentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE parent_agent_id = $1
		ORDER BY created_at, agent_id
	`, parentID)
	if err != nil {
		return nil, classify(err)
	}
	if len(rows) == 0 {
		if _, err := s.GetAgent(ctx, parentID); err != nil {
			return nil, err
		}
	}
	return agentsFromRows(rows), nil
}

func agentsFromRows(rows []agentRow) []agent.Agent {
	out := make([]agent.Agent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

func (s *Store) ListTransactions(ctx context.Context, agentID string) ([]agent.Transaction, error) {
	var rows []txRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+txColumns+`
		FROM agent_transactions
		WHERE agent_id = $1
		ORDER BY created_at, id
	`, agentID)
	if err != nil {
		return nil, classify(err)
	}
	if len(rows) == 0 {
		if _, err := s.GetAgent(ctx, agentID); err != nil {
			return nil, err
		}
	}
	out := make([]agent.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// --- mutations --------------------------------------------------------------

func (s *Store) CreateRootAgent(ctx context.Context, root agent.Agent) (agent.Agent, bool, error) {
	if root.ID == "" {
		root.ID = uuid.NewString()
	}
	now := s.now()
	root.Generation = agent.RootGeneration
	root.ParentAgentID = ""
	root.CreatedAt = now
	root.UpdatedAt = now

	var (
		result  agent.Agent
		created bool
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row agentRow
		err := tx.GetContext(ctx, &row, `
			SELECT `+agentColumns+`
			FROM agents
			WHERE user_id = $1 AND generation = 1 AND status = 'active'
			LIMIT 1
		`, root.UserID)
		switch {
		case err == nil:
			result = row.toDomain()
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		if err := insertAgent(ctx, tx, root); err != nil {
			return err
		}
		result, created = root, true
		return nil
	})
	if isUniqueViolation(err) {
		// Another writer created the root between our read and insert.
		existing, findErr := s.FindRootAgent(ctx, root.UserID)
		if findErr != nil {
			return agent.Agent{}, false, findErr
		}
		if existing.Status == agent.StatusActive {
			return existing, false, nil
		}
		return agent.Agent{}, false, svcerrors.Duplicate("agent", root.ID)
	}
	if err != nil {
		return agent.Agent{}, false, classify(err)
	}
	return result, created, nil
}

func insertAgent(ctx context.Context, tx *sqlx.Tx, a agent.Agent) error {
	parent := sql.NullString{String: a.ParentAgentID, Valid: a.ParentAgentID != ""}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.UserID, parent, a.Generation, a.InitialBalance, a.IsolatedBalance,
		a.TotalEarnings, string(a.Status), a.CreatedAt, a.UpdatedAt)
	return err
}

func updateAgent(ctx context.Context, tx *sqlx.Tx, a agent.Agent) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agents
		SET isolated_balance = $2, total_earnings = $3, status = $4, updated_at = $5
		WHERE agent_id = $1
	`, a.ID, a.IsolatedBalance, a.TotalEarnings, string(a.Status), a.UpdatedAt)
	return err
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, t agent.Transaction) (int64, error) {
	var id int64
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO agent_transactions (agent_id, type, amount, balance_after, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, t.AgentID, string(t.Type), t.Amount, t.BalanceAfter, t.Description, t.CreatedAt).Scan(&id)
	return id, err
}

func (s *Store) AppendTransaction(ctx context.Context, agentID string, typ agent.TxType, amount decimal.Decimal, description string) (agent.Agent, agent.Transaction, error) {
	var (
		next    agent.Agent
		journal agent.Transaction
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getAgent(ctx, tx, agentID, true)
		if err != nil {
			return err
		}
		now := s.now()
		updated, effective, err := agent.Apply(current, typ, amount, now)
		if err != nil {
			return err
		}
		if err := updateAgent(ctx, tx, updated); err != nil {
			return err
		}
		row := agent.Transaction{
			AgentID:      agentID,
			Type:         typ,
			Amount:       effective,
			BalanceAfter: updated.IsolatedBalance,
			Description:  description,
			CreatedAt:    now,
		}
		if row.ID, err = insertTransaction(ctx, tx, row); err != nil {
			return err
		}
		next, journal = updated, row
		return nil
	})
	if err != nil {
		return agent.Agent{}, agent.Transaction{}, classify(err)
	}
	return next, journal, nil
}

func (s *Store) AppendMultiAgentTransaction(ctx context.Context, write storage.MultiAgentWrite) (storage.MultiAgentResult, error) {
	ids := write.AgentIDs()
	if len(ids) == 0 {
		return storage.MultiAgentResult{}, svcerrors.InvalidArgument("multi-agent write has no entries")
	}
	sort.Strings(ids)

	var result storage.MultiAgentResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var rows []agentRow
		err := tx.SelectContext(ctx, &rows, `
			SELECT `+agentColumns+`
			FROM agents
			WHERE agent_id = ANY($1)
			ORDER BY agent_id
			FOR UPDATE
		`, pq.Array(ids))
		if err != nil {
			return err
		}
		locked := make(map[string]agent.Agent, len(rows))
		for _, r := range rows {
			locked[r.ID] = r.toDomain()
		}
		for _, id := range ids {
			if _, ok := locked[id]; !ok {
				return svcerrors.NotFound("agent", id)
			}
		}

		now := s.now()
		working := make(map[string]agent.Agent, len(locked))
		for id, a := range locked {
			working[id] = a
		}
		journal := make([]agent.Transaction, 0, len(write.Entries))
		for _, e := range write.Entries {
			next, effective, err := agent.Apply(working[e.AgentID], e.Type, e.Amount, now)
			if err != nil {
				return err
			}
			working[e.AgentID] = next
			journal = append(journal, agent.Transaction{
				AgentID:      e.AgentID,
				Type:         e.Type,
				Amount:       effective,
				BalanceAfter: next.IsolatedBalance,
				Description:  e.Description,
				CreatedAt:    now,
			})
		}

		var created []agent.Agent
		if write.Derive != nil {
			derived, err := write.Derive(locked)
			if err != nil {
				return err
			}
			for _, a := range derived {
				if a.ID == "" {
					a.ID = uuid.NewString()
				}
				a.CreatedAt = now
				a.UpdatedAt = now
				if err := insertAgent(ctx, tx, a); err != nil {
					return err
				}
				created = append(created, a)
			}
		}

		for _, id := range ids {
			if err := updateAgent(ctx, tx, working[id]); err != nil {
				return err
			}
		}
		for i := range journal {
			if journal[i].ID, err = insertTransaction(ctx, tx, journal[i]); err != nil {
				return err
			}
		}
		result = storage.MultiAgentResult{Agents: working, Created: created, Transactions: journal}
		return nil
	})
	if isUniqueViolation(err) {
		return storage.MultiAgentResult{}, svcerrors.Duplicate("agent", "derived")
	}
	if err != nil {
		return storage.MultiAgentResult{}, classify(err)
	}
	return result, nil
}

func (s *Store) UpdateStatus(ctx context.Context, agentID string, status agent.Status) (agent.Agent, error) {
	var updated agent.Agent
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getAgent(ctx, tx, agentID, true)
		if err != nil {
			return err
		}
		if err := agent.CanTransition(current.Status, status); err != nil {
			return err
		}
		current.Status = status
		current.UpdatedAt = s.now()
		if err := updateAgent(ctx, tx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if isUniqueViolation(err) {
		return agent.Agent{}, svcerrors.InvalidState("user already has an active root agent")
	}
	if err != nil {
		return agent.Agent{}, classify(err)
	}
	return updated, nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- error classification --------------------------------------------------

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation
}

// classify maps driver errors onto the service taxonomy. Errors that already
// carry a service code pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if svcerrors.GetServiceError(err) != nil {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return svcerrors.ConcurrencyConflict(err)
		case codeUniqueViolation:
			return svcerrors.Wrap(svcerrors.CodeDuplicate, pqErr.Message, err)
		}
		if pqErr.Code.Class() == "08" {
			return svcerrors.StoreUnavailable(err)
		}
		return svcerrors.Internal("postgres error", err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return svcerrors.StoreUnavailable(err)
	}
	return svcerrors.Internal("postgres error", err)
}
