// Package gas provides the network fee oracle and the admission controller
// that defers transaction submission under fee congestion.
package gas

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
)

// FeeReader is the slice of the RPC client the oracle needs.
type FeeReader interface {
	LatestBaseFee(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// FeeEstimate is a point-in-time view of the network's fee market.
type FeeEstimate struct {
	BaseFee *big.Int
	TipCap  *big.Int
}

// GasPrice returns the effective price of inclusion at this estimate.
func (e *FeeEstimate) GasPrice() *big.Int {
	return new(big.Int).Add(e.BaseFee, e.TipCap)
}

type Oracle struct {
	reader FeeReader
	logger *slog.Logger
}

type OracleOpts struct {
	Reader FeeReader
	Logger *slog.Logger
}

func NewOracle(opts OracleOpts) *Oracle {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Oracle{reader: opts.Reader, logger: opts.Logger}
}

// Estimate fetches the current base fee and suggested priority fee. The
// underlying client bounds both calls with its configured timeout.
func (o *Oracle) Estimate(ctx context.Context) (*FeeEstimate, error) {
	baseFee, err := o.reader.LatestBaseFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get base fee: %w", err)
	}

	tipCap, err := o.reader.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get tip cap: %w", err)
	}

	return &FeeEstimate{BaseFee: baseFee, TipCap: tipCap}, nil
}
