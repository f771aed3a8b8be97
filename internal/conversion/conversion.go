// Package conversion turns stablecoin deposits into platform credit units.
package conversion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
)

// Config holds the conversion rates. All values are exact decimals.
type Config struct {
	FeeRate         decimal.Decimal
	UnitsPerToken   decimal.Decimal
	MinimumDeposit  decimal.Decimal
	SupportedTokens []string
}

// DefaultConfig returns a 2% fee, 100 units per token and a 5.0 minimum
// for USDT and USDC.
func DefaultConfig() Config {
	return Config{
		FeeRate:         decimal.RequireFromString("0.02"),
		UnitsPerToken:   decimal.NewFromInt(100),
		MinimumDeposit:  decimal.RequireFromString("5"),
		SupportedTokens: []string{"USDT", "USDC"},
	}
}

// ConfigFromStrings parses textual rates as they appear in configuration
// files. Empty values keep the defaults.
func ConfigFromStrings(feeRate, unitsPerToken, minimum string, tokens []string) (Config, error) {
	cfg := DefaultConfig()
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"fee rate", feeRate, &cfg.FeeRate},
		{"units per token", unitsPerToken, &cfg.UnitsPerToken},
		{"minimum deposit", minimum, &cfg.MinimumDeposit},
	} {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		v, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = v
	}
	if len(tokens) > 0 {
		cfg.SupportedTokens = tokens
	}
	return cfg, nil
}

// Result is the outcome of converting one deposit.
type Result struct {
	Token         string          `json:"token"`
	Amount        decimal.Decimal `json:"amount"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	CreditedUnits decimal.Decimal `json:"credited_units"`
}

// Service converts deposits. It is stateless and safe for concurrent use.
type Service struct {
	cfg    Config
	tokens map[string]struct{}
}

// New validates cfg and builds a Service.
func New(cfg Config) (*Service, error) {
	if cfg.FeeRate.IsNegative() || cfg.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("fee rate must be in [0, 1), got %s", cfg.FeeRate)
	}
	if !cfg.UnitsPerToken.IsPositive() {
		return nil, fmt.Errorf("units per token must be positive, got %s", cfg.UnitsPerToken)
	}
	if cfg.MinimumDeposit.IsNegative() {
		return nil, fmt.Errorf("minimum deposit must not be negative, got %s", cfg.MinimumDeposit)
	}
	if len(cfg.SupportedTokens) == 0 {
		return nil, fmt.Errorf("at least one supported token is required")
	}
	tokens := make(map[string]struct{}, len(cfg.SupportedTokens))
	for _, t := range cfg.SupportedTokens {
		tokens[normalize(t)] = struct{}{}
	}
	return &Service{cfg: cfg, tokens: tokens}, nil
}

func normalize(token string) string { return strings.ToUpper(strings.TrimSpace(token)) }

// Convert computes fee = amount × fee rate, net = amount − fee and
// credited = net × units per token. The formula is identical for every
// supported token.
func (s *Service) Convert(amount decimal.Decimal, token string) (Result, error) {
	if !amount.IsPositive() {
		return Result{}, svcerrors.InvalidAmount("deposit amount must be positive, got %s", amount)
	}
	tok := normalize(token)
	if _, ok := s.tokens[tok]; !ok {
		return Result{}, svcerrors.InvalidArgument("unsupported token %q", token)
	}
	fee := amount.Mul(s.cfg.FeeRate)
	net := amount.Sub(fee)
	return Result{
		Token:         tok,
		Amount:        amount,
		PlatformFee:   fee,
		NetAmount:     net,
		CreditedUnits: net.Mul(s.cfg.UnitsPerToken),
	}, nil
}

// ValidateDeposit rejects deposits below the configured minimum.
func (s *Service) ValidateDeposit(amount decimal.Decimal) error {
	if amount.LessThan(s.cfg.MinimumDeposit) {
		return svcerrors.InvalidAmount("deposit %s is below the minimum of %s", amount, s.cfg.MinimumDeposit)
	}
	return nil
}

// MinimumDeposit returns the configured minimum.
func (s *Service) MinimumDeposit() decimal.Decimal { return s.cfg.MinimumDeposit }

// SupportedTokens returns the accepted tokens in sorted order.
func (s *Service) SupportedTokens() []string {
	out := make([]string, 0, len(s.tokens))
	for t := range s.tokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
