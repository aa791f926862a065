package gas

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
)

// Estimator is implemented by Oracle.
type Estimator interface {
	Estimate(ctx context.Context) (*FeeEstimate, error)
}

// Admission gates transaction submission on the current gas price. It is a
// pure decision function with no side effects.
type Admission struct {
	oracle      Estimator
	maxGasPrice *big.Int
	logger      *slog.Logger
}

type AdmissionOpts struct {
	Oracle Estimator
	// MaxGasPrice is the admission cap in wei. Submission is deferred while
	// the oracle reports an effective gas price above it.
	MaxGasPrice *big.Int
	Logger      *slog.Logger
}

func NewAdmission(opts AdmissionOpts) *Admission {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Admission{
		oracle:      opts.Oracle,
		maxGasPrice: opts.MaxGasPrice,
		logger:      opts.Logger,
	}
}

// ShouldDefer reports whether submission should wait for cheaper gas. An
// oracle failure returns defer=true alongside the error, so callers that
// ignore the error still fail safe.
func (a *Admission) ShouldDefer(ctx context.Context) (bool, error) {
	estimate, err := a.oracle.Estimate(ctx)
	if err != nil {
		return true, fmt.Errorf("failed to get fee estimate: %w", err)
	}

	price := estimate.GasPrice()
	if price.Cmp(a.maxGasPrice) > 0 {
		a.logger.Debug("gas price over cap, deferring",
			"gasPrice", price.String(),
			"maxGasPrice", a.maxGasPrice.String())
		return true, nil
	}

	return false, nil
}
