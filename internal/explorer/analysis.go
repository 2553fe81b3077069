package explorer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/l0p7/coinscope/internal/expr"
)

const (
	CheckOwnershipRenounced = "ownershipRenounced"
	CheckStandardsVerified  = "standardsVerified"
)

// DefaultChecks are always evaluated. A checks file may override them by name.
var DefaultChecks = map[string]string{
	CheckOwnershipRenounced: `!abi.contains("Ownable")`,
	CheckStandardsVerified:  `source.contains("IERC20")`,
}

// ContractAnalysis is the outcome of running the checks against one contract.
type ContractAnalysis struct {
	Address            string          `json:"address"`
	ContractName       string          `json:"contractName,omitempty"`
	OwnershipRenounced bool            `json:"ownershipRenounced"`
	StandardsVerified  bool            `json:"standardsVerified"`
	Checks             map[string]bool `json:"checks"`
}

// SourceReader fetches verified contract source.
type SourceReader interface {
	SourceCode(ctx context.Context, address string) (ContractSource, error)
}

// Analyzer evaluates CEL checks against verified contract source. Extra checks
// can be swapped at runtime while requests are in flight.
type Analyzer struct {
	source   SourceReader
	env      *expr.Environment
	defaults *expr.CheckSet
	active   atomic.Pointer[expr.CheckSet]
	logger   *slog.Logger
}

func NewAnalyzer(source SourceReader, logger *slog.Logger) (*Analyzer, error) {
	if source == nil {
		return nil, errors.New("explorer: source reader required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	defaults, err := env.CompileChecks(DefaultChecks)
	if err != nil {
		return nil, err
	}
	a := &Analyzer{
		source:   source,
		env:      env,
		defaults: defaults,
		logger:   logger.With(slog.String("agent", "contract_analysis")),
	}
	a.active.Store(defaults)
	return a, nil
}

// SetExtraChecks compiles checks and layers them over the defaults. On a
// compile error the previous set stays active.
func (a *Analyzer) SetExtraChecks(checks map[string]string) error {
	extra, err := a.env.CompileChecks(checks)
	if err != nil {
		return err
	}
	merged := a.defaults.Merge(extra)
	a.active.Store(merged)
	a.logger.Info("contract checks updated", slog.Any("checks", merged.Names()))
	return nil
}

// CheckNames lists the checks currently evaluated.
func (a *Analyzer) CheckNames() []string {
	return a.active.Load().Names()
}

// Analyze fetches the contract and evaluates every active check. Checks that
// fail to evaluate are logged and reported as false.
func (a *Analyzer) Analyze(ctx context.Context, address string) (ContractAnalysis, error) {
	src, err := a.source.SourceCode(ctx, address)
	if err != nil {
		return ContractAnalysis{}, err
	}
	if strings.TrimSpace(src.ABI) == "" && strings.TrimSpace(src.SourceCode) == "" {
		return ContractAnalysis{}, ErrEmptyResult
	}

	vars := map[string]any{
		"abi":          src.ABI,
		"source":       src.SourceCode,
		"contractName": src.ContractName,
		"compiler":     src.CompilerVersion,
		"contract": map[string]any{
			"SourceCode":      src.SourceCode,
			"ABI":             src.ABI,
			"ContractName":    src.ContractName,
			"CompilerVersion": src.CompilerVersion,
			"Proxy":           src.Proxy,
			"Implementation":  src.Implementation,
			"LicenseType":     src.LicenseType,
		},
	}
	set := a.active.Load()
	results, errs := set.Evaluate(vars)
	for name, evalErr := range errs {
		a.logger.Warn("contract check failed", slog.String("check", name), slog.String("address", address), slog.Any("error", evalErr))
		results[name] = false
	}
	return ContractAnalysis{
		Address:            address,
		ContractName:       src.ContractName,
		OwnershipRenounced: results[CheckOwnershipRenounced],
		StandardsVerified:  results[CheckStandardsVerified],
		Checks:             results,
	}, nil
}
