package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/agentledger/internal/audit"
	"github.com/R3E-Network/agentledger/internal/domain/agent"
	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
	"github.com/R3E-Network/agentledger/internal/hierarchy"
)

// =============================================================================
// Agents
// =============================================================================

// authorizeAgent loads the agent and checks that a user-role caller owns it.
func (s *Server) authorizeAgent(r *http.Request, agentID string) (agent.Agent, error) {
	a, err := s.ledger.GetAgentInfo(r.Context(), agentID)
	if err != nil {
		return agent.Agent{}, err
	}
	if p, _ := PrincipalFrom(r.Context()); p.Role == RoleUser && p.Subject != a.UserID {
		return agent.Agent{}, svcerrors.Forbidden("agent belongs to another user")
	}
	return a, nil
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.authorizeAgent(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.authorizeAgent(r, id); err != nil {
		writeError(w, s.log, err)
		return
	}
	txs, err := s.ledger.GetTransactions(r.Context(), id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if txs == nil {
		txs = []agent.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.authorizeAgent(r, id); err != nil {
		writeError(w, s.log, err)
		return
	}
	children, err := s.ledger.ListChildren(r.Context(), id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if children == nil {
		children = []agent.Agent{}
	}
	writeJSON(w, http.StatusOK, children)
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	if s.eligibility == nil {
		writeError(w, s.log, svcerrors.Internal("eligibility evaluator is not configured", nil))
		return
	}
	decision, err := s.eligibility.Check(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleVerifyJournal(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.VerifyJournal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type createAgentRequest struct {
	UserID         string          `json:"user_id"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	AgentID        string          `json:"agent_id,omitempty"`
}

func (s *Server) handleCreateMainAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	a, err := s.ledger.CreateMainAgent(r.Context(), req.UserID, req.InitialBalance, req.AgentID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type profitRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	TradeDetails json.RawMessage `json:"trade_details,omitempty"`
}

func (s *Server) handleProfit(w http.ResponseWriter, r *http.Request) {
	var req profitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	a, err := s.ledger.RecordAgentProfit(r.Context(), mux.Vars(r)["id"], req.Amount, req.TradeDetails)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type spawnRequest struct {
	ChildBalance decimal.Decimal `json:"child_balance"`
	Reason       string          `json:"reason,omitempty"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	p, _ := PrincipalFrom(r.Context())
	child, err := s.ledger.SpawnChildAgent(r.Context(), mux.Vars(r)["id"], req.ChildBalance, req.Reason, p.Subject)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, child)
}

type withdrawRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Address string          `json:"address"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	p, _ := PrincipalFrom(r.Context())
	a, err := s.ledger.Withdraw(r.Context(), mux.Vars(r)["id"], req.Amount, req.Address, p.Subject)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type feeRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason,omitempty"`
}

func (s *Server) handleFee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	a, err := s.ledger.ChargeFee(r.Context(), mux.Vars(r)["id"], req.Amount, req.Reason)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type statusRequest struct {
	Status agent.Status `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	p, _ := PrincipalFrom(r.Context())
	a, err := s.ledger.SetAgentStatus(r.Context(), mux.Vars(r)["id"], req.Status, p.Subject, req.Reason)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// =============================================================================
// Users and deposits
// =============================================================================

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if p, _ := PrincipalFrom(r.Context()); p.Role == RoleUser && p.Subject != userID {
		writeError(w, s.log, svcerrors.Forbidden("portfolio belongs to another user"))
		return
	}
	portfolio, err := s.ledger.GetUserPortfolio(r.Context(), userID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req hierarchy.Deposit
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	result, err := s.ledger.ProcessDeposit(r.Context(), req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// =============================================================================
// Audit
// =============================================================================

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []audit.Entry{})
		return
	}
	q := r.URL.Query()
	filter := audit.Filter{
		EventType: audit.EventType(q.Get("event_type")),
		UserID:    q.Get("user_id"),
		AdminID:   q.Get("admin_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, s.log, svcerrors.InvalidArgument("limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	entries, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type auditAppendResponse struct {
	Persisted bool `json:"persisted"`
}

// handleAuditAppend records events raised outside the ledger, such as key
// decryptions and admin commands. The acting principal is the admin ID.
func (s *Server) handleAuditAppend(w http.ResponseWriter, r *http.Request) {
	var e audit.Entry
	if err := decodeJSON(w, r, &e); err != nil {
		writeError(w, s.log, err)
		return
	}
	if !e.EventType.Valid() {
		writeError(w, s.log, svcerrors.InvalidArgument("unknown audit event type %q", e.EventType))
		return
	}
	if s.audit == nil {
		writeJSON(w, http.StatusAccepted, auditAppendResponse{})
		return
	}
	if e.AdminID == "" {
		p, _ := PrincipalFrom(r.Context())
		e.AdminID = p.Subject
	}
	// The log is append-only and ordered by server time; callers cannot
	// choose an entry's ID or timestamp.
	e.ID = ""
	e.Timestamp = time.Time{}
	persisted := s.audit.Append(r.Context(), e)
	writeJSON(w, http.StatusAccepted, auditAppendResponse{Persisted: persisted})
}
