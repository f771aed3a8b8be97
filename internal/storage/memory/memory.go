// Package memory provides an in-process LedgerStore used by tests and
// single-node deployments that do not need durability.
package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/agentledger/internal/domain/agent"
	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
	"github.com/R3E-Network/agentledger/internal/storage"
)

const stripes = 64

// Store keeps agents and journals in maps. Mutations on one agent are
// serialized by a striped mutex keyed by agent id; root creation is
// serialized by a striped mutex keyed by user id.
type Store struct {
	agentLocks [stripes]sync.Mutex
	userLocks  [stripes]sync.Mutex

	mu         sync.RWMutex
	agents     map[string]agent.Agent
	byUser     map[string][]string
	byParent   map[string][]string
	journal    map[string][]agent.Transaction
	nextTxID   int64
	failCommit error

	now func() time.Time
}

var _ storage.LedgerStore = (*Store)(nil)

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		agents:   make(map[string]agent.Agent),
		byUser:   make(map[string][]string),
		byParent: make(map[string][]string),
		journal:  make(map[string][]agent.Transaction),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNextCommit makes the next mutating call fail with err after its
// rules have been evaluated but before anything is written.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	s.failCommit = err
	s.mu.Unlock()
}

func stripe(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % stripes)
}

// takeFailure must be called with mu held for writing.
func (s *Store) takeFailure() error {
	err := s.failCommit
	s.failCommit = nil
	return err
}

func (s *Store) CreateRootAgent(_ context.Context, root agent.Agent) (agent.Agent, bool, error) {
	l := &s.userLocks[stripe(root.UserID)]
	l.Lock()
	defer l.Unlock()

	if existing, ok := s.activeRoot(root.UserID); ok {
		return existing, false, nil
	}

	if root.ID == "" {
		root.ID = uuid.NewString()
	}
	now := s.now()
	root.Generation = agent.RootGeneration
	root.ParentAgentID = ""
	root.CreatedAt = now
	root.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return agent.Agent{}, false, err
	}
	if _, exists := s.agents[root.ID]; exists {
		return agent.Agent{}, false, svcerrors.Duplicate("agent", root.ID)
	}
	s.insertLocked(root)
	return root, true, nil
}

func (s *Store) activeRoot(userID string) (agent.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.byUser[userID] {
		a := s.agents[id]
		if a.IsRoot() && a.Status == agent.StatusActive {
			return a, true
		}
	}
	return agent.Agent{}, false
}

func (s *Store) insertLocked(a agent.Agent) {
	s.agents[a.ID] = a
	s.byUser[a.UserID] = append(s.byUser[a.UserID], a.ID)
	if a.ParentAgentID != "" {
		s.byParent[a.ParentAgentID] = append(s.byParent[a.ParentAgentID], a.ID)
	}
}

func (s *Store) GetAgent(_ context.Context, id string) (agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return agent.Agent{}, svcerrors.NotFound("agent", id)
	}
	return a, nil
}

func (s *Store) FindRootAgent(_ context.Context, userID string) (agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest agent.Agent
		found  bool
	)
	for _, id := range s.byUser[userID] {
		a := s.agents[id]
		if !a.IsRoot() {
			continue
		}
		if a.Status == agent.StatusActive {
			return a, nil
		}
		if !found || !a.CreatedAt.Before(latest.CreatedAt) {
			latest, found = a, true
		}
	}
	if !found {
		return agent.Agent{}, svcerrors.NotFound("root agent for user", userID)
	}
	return latest, nil
}

func (s *Store) ListUserAgents(_ context.Context, userID string) ([]agent.Agent, error) {
	s.mu.RLock()
	out := s.collectLocked(s.byUser[userID])
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Generation != out[j].Generation {
			return out[i].Generation < out[j].Generation
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListChildren(_ context.Context, parentID string) ([]agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.agents[parentID]; !ok {
		return nil, svcerrors.NotFound("agent", parentID)
	}
	return s.collectLocked(s.byParent[parentID]), nil
}

func (s *Store) collectLocked(ids []string) []agent.Agent {
	out := make([]agent.Agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.agents[id])
	}
	return out
}

func (s *Store) ListTransactions(_ context.Context, agentID string) ([]agent.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.agents[agentID]; !ok {
		return nil, svcerrors.NotFound("agent", agentID)
	}
	txs := s.journal[agentID]
	out := make([]agent.Transaction, len(txs))
	copy(out, txs)
	return out, nil
}

func (s *Store) AppendTransaction(ctx context.Context, agentID string, typ agent.TxType, amount decimal.Decimal, description string) (agent.Agent, agent.Transaction, error) {
	l := &s.agentLocks[stripe(agentID)]
	l.Lock()
	defer l.Unlock()

	current, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return agent.Agent{}, agent.Transaction{}, err
	}
	now := s.now()
	next, effective, err := agent.Apply(current, typ, amount, now)
	if err != nil {
		return agent.Agent{}, agent.Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return agent.Agent{}, agent.Transaction{}, err
	}
	s.agents[agentID] = next
	tx := s.journalLocked(next, typ, effective, description, now)
	return next, tx, nil
}

func (s *Store) journalLocked(a agent.Agent, typ agent.TxType, amount decimal.Decimal, description string, now time.Time) agent.Transaction {
	s.nextTxID++
	tx := agent.Transaction{
		ID:           s.nextTxID,
		AgentID:      a.ID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: a.IsolatedBalance,
		Description:  description,
		CreatedAt:    now,
	}
	s.journal[a.ID] = append(s.journal[a.ID], tx)
	return tx
}

func (s *Store) AppendMultiAgentTransaction(_ context.Context, write storage.MultiAgentWrite) (storage.MultiAgentResult, error) {
	ids := write.AgentIDs()
	if len(ids) == 0 {
		return storage.MultiAgentResult{}, svcerrors.InvalidArgument("multi-agent write has no entries")
	}
	unlock := s.lockAgents(ids)
	defer unlock()

	now := s.now()
	s.mu.RLock()
	locked := make(map[string]agent.Agent, len(ids))
	for _, id := range ids {
		a, ok := s.agents[id]
		if !ok {
			s.mu.RUnlock()
			return storage.MultiAgentResult{}, svcerrors.NotFound("agent", id)
		}
		locked[id] = a
	}
	s.mu.RUnlock()

	working := make(map[string]agent.Agent, len(locked))
	for id, a := range locked {
		working[id] = a
	}
	type pending struct {
		entry     storage.Entry
		effective decimal.Decimal
		after     agent.Agent
	}
	rows := make([]pending, 0, len(write.Entries))
	for _, e := range write.Entries {
		next, effective, err := agent.Apply(working[e.AgentID], e.Type, e.Amount, now)
		if err != nil {
			return storage.MultiAgentResult{}, err
		}
		working[e.AgentID] = next
		rows = append(rows, pending{entry: e, effective: effective, after: next})
	}

	var created []agent.Agent
	if write.Derive != nil {
		derived, err := write.Derive(locked)
		if err != nil {
			return storage.MultiAgentResult{}, err
		}
		for _, a := range derived {
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			a.CreatedAt = now
			a.UpdatedAt = now
			created = append(created, a)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return storage.MultiAgentResult{}, err
	}
	for _, a := range created {
		if _, exists := s.agents[a.ID]; exists {
			return storage.MultiAgentResult{}, svcerrors.Duplicate("agent", a.ID)
		}
	}

	result := storage.MultiAgentResult{Agents: working, Created: created}
	for id, a := range working {
		s.agents[id] = a
	}
	for _, r := range rows {
		result.Transactions = append(result.Transactions, s.journalLocked(r.after, r.entry.Type, r.effective, r.entry.Description, now))
	}
	for _, a := range created {
		s.insertLocked(a)
	}
	return result, nil
}

// lockAgents acquires the stripes covering ids in ascending order so two
// multi-agent writes can never deadlock.
func (s *Store) lockAgents(ids []string) func() {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[stripe(id)] = struct{}{}
	}
	order := make([]int, 0, len(set))
	for idx := range set {
		order = append(order, idx)
	}
	sort.Ints(order)
	for _, idx := range order {
		s.agentLocks[idx].Lock()
	}
	return func() {
		for i := len(order) - 1; i >= 0; i-- {
			s.agentLocks[order[i]].Unlock()
		}
	}
}

func (s *Store) UpdateStatus(ctx context.Context, agentID string, status agent.Status) (agent.Agent, error) {
	// Activating a root competes with CreateRootAgent for the user's single
	// active root, so it takes the user stripe first, as CreateRootAgent does.
	if status == agent.StatusActive {
		peek, err := s.GetAgent(ctx, agentID)
		if err != nil {
			return agent.Agent{}, err
		}
		if peek.IsRoot() {
			ul := &s.userLocks[stripe(peek.UserID)]
			ul.Lock()
			defer ul.Unlock()
		}
	}

	l := &s.agentLocks[stripe(agentID)]
	l.Lock()
	defer l.Unlock()

	current, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return agent.Agent{}, err
	}
	if err := agent.CanTransition(current.Status, status); err != nil {
		return agent.Agent{}, err
	}
	if current.IsRoot() && status == agent.StatusActive {
		if other, ok := s.activeRoot(current.UserID); ok && other.ID != current.ID {
			return agent.Agent{}, svcerrors.InvalidState("user %s already has active root %s", current.UserID, other.ID)
		}
	}
	current.Status = status
	current.UpdatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return agent.Agent{}, err
	}
	s.agents[agentID] = current
	return current, nil
}
