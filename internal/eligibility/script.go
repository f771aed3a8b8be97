package eligibility

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/agentledger/internal/domain/agent"
)

const (
	DefaultScriptTimeout = 100 * time.Millisecond
	MaxScriptSize        = 64 * 1024
	scriptEntryPoint     = "evaluate"
)

// ScriptPolicy delegates the decision to an operator-supplied JavaScript
// function:
//
//	function evaluate(agent) {
//	  return { eligible: true, suggested: agent.earnings * 0.2, reason: "..." };
//	}
//
// agent carries id, user_id, parent_id, generation, status, balance,
// earnings and initial_balance. Money fields are numbers. The suggestion is
// clamped to [0, earnings] and inactive agents are never eligible, whatever
// the script returns.
type ScriptPolicy struct {
	program *goja.Program
	timeout time.Duration
}

// NewScriptPolicy compiles src and checks that it defines evaluate.
func NewScriptPolicy(src string, timeout time.Duration) (*ScriptPolicy, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("eligibility script is empty")
	}
	if len(src) > MaxScriptSize {
		return nil, fmt.Errorf("eligibility script exceeds %d bytes", MaxScriptSize)
	}
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	prog, err := goja.Compile("eligibility.js", src, true)
	if err != nil {
		return nil, fmt.Errorf("compile eligibility script: %w", err)
	}
	p := &ScriptPolicy{program: prog, timeout: timeout}
	if _, _, err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

// load runs the program in a fresh runtime and returns its entry point.
// Each evaluation gets its own runtime, so scripts cannot carry state
// between agents.
func (p *ScriptPolicy) load() (*goja.Runtime, goja.Callable, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	timer := time.AfterFunc(p.timeout, func() { vm.Interrupt("eligibility script timeout") })
	defer timer.Stop()
	if _, err := vm.RunProgram(p.program); err != nil {
		return nil, nil, fmt.Errorf("run eligibility script: %w", err)
	}
	fn, ok := goja.AssertFunction(vm.Get(scriptEntryPoint))
	if !ok {
		return nil, nil, fmt.Errorf("eligibility script must define function %s(agent)", scriptEntryPoint)
	}
	return vm, fn, nil
}

type scriptAgent struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	ParentID       string  `json:"parent_id"`
	Generation     int     `json:"generation"`
	Status         string  `json:"status"`
	Balance        float64 `json:"balance"`
	Earnings       float64 `json:"earnings"`
	InitialBalance float64 `json:"initial_balance"`
}

func (p *ScriptPolicy) Evaluate(a agent.Agent) Decision {
	d := Decision{AgentID: a.ID, SuggestedChildBalance: decimal.Zero}
	if !a.IsActive() {
		d.Reason = fmt.Sprintf("agent is %s", a.Status)
		return d
	}

	vm, fn, err := p.load()
	if err != nil {
		d.Reason = err.Error()
		return d
	}
	timer := time.AfterFunc(p.timeout, func() { vm.Interrupt("eligibility script timeout") })
	defer timer.Stop()

	res, err := fn(goja.Undefined(), vm.ToValue(scriptAgent{
		ID:             a.ID,
		UserID:         a.UserID,
		ParentID:       a.ParentAgentID,
		Generation:     a.Generation,
		Status:         string(a.Status),
		Balance:        a.IsolatedBalance.InexactFloat64(),
		Earnings:       a.TotalEarnings.InexactFloat64(),
		InitialBalance: a.InitialBalance.InexactFloat64(),
	}))
	if err != nil {
		d.Reason = fmt.Sprintf("eligibility script failed: %v", err)
		return d
	}

	out, ok := res.Export().(map[string]interface{})
	if !ok {
		d.Reason = "eligibility script must return an object"
		return d
	}
	if reason, ok := out["reason"].(string); ok {
		d.Reason = reason
	}
	eligible, _ := out["eligible"].(bool)
	if !eligible {
		return d
	}

	suggested, err := toDecimal(out["suggested"])
	if err != nil {
		d.Reason = fmt.Sprintf("eligibility script returned bad suggestion: %v", err)
		return d
	}
	if suggested.IsNegative() {
		suggested = decimal.Zero
	}
	if suggested.GreaterThan(a.TotalEarnings) {
		suggested = a.TotalEarnings
	}
	d.Eligible = true
	d.SuggestedChildBalance = suggested.Round(8)
	return d
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, fmt.Errorf("not a finite number")
		}
		return decimal.NewFromFloat(n), nil
	case string:
		return decimal.NewFromString(n)
	}
	return decimal.Zero, fmt.Errorf("unsupported type %T", v)
}
