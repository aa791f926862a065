package ethereum

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const defaultTimeout = 15 * time.Second

type Client struct {
	client  *ethclient.Client
	chainID *big.Int
	logger  *slog.Logger
	Opts    *ClientOpts
}

type ClientOpts struct {
	Endpoint    string
	NetworkName string
	Logger      *slog.Logger
	Timeout     time.Duration

	// Indexer settings
	DefaultStartBlock uint64
	FetchInterval     uint64
	MinBatchSize      uint64
	MaxBatchSize      uint64
}

// NewClient returns a new RPC client over HTTP for one network.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}

	client, err := ethclient.Dial(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.NetworkName, err)
	}

	chainID, err := client.ChainID(context.TODO())
	if err != nil {
		return nil, fmt.Errorf("failed to get chainId: %w", err)
	}

	opts.Logger.Info("Connected to network", "network", opts.NetworkName, "chainId", chainID)

	return &Client{
		client:  client,
		chainID: chainID,
		logger:  opts.Logger,
		Opts:    &opts,
	}, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.Opts.Timeout)
}

func (c *Client) ChainID() *big.Int {
	return c.chainID
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.BlockNumber(ctx)
}

// PendingNonceAt returns the pending-inclusive transaction count for the
// account. Fetched fresh per call so concurrent builders never reuse a nonce.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.PendingNonceAt(ctx, account)
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.EstimateGas(ctx, msg)
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.SendTransaction(ctx, tx)
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.FilterLogs(ctx, q)
}

// LatestBaseFee returns the base fee of the chain head.
func (c *Client) LatestBaseFee(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	if header.BaseFee == nil {
		return nil, fmt.Errorf("network %s has no base fee (pre-london head)", c.Opts.NetworkName)
	}
	return header.BaseFee, nil
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.SuggestGasTipCap(ctx)
}

// IsContract reports whether code is deployed at the given address. Used to
// warn on startup when a tracked pool address points at nothing.
func (c *Client) IsContract(ctx context.Context, address common.Address) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	code, err := c.client.CodeAt(ctx, address, nil)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}
