package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/poolvote-network/pool-relay-api/contracts"
	"github.com/poolvote-network/pool-relay-api/ethereum"
	"github.com/poolvote-network/pool-relay-api/metrics"
)

// ChainReader is the slice of the RPC client the indexer needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q goethereum.FilterQuery) ([]types.Log, error)
}

// Store applies decoded pool events to ledger records. Every method is
// idempotent against replayed logs.
type Store interface {
	RecordOperationCreated(ctx context.Context, network, poolAddress string, ev *contracts.WithdrawalProposedEvent, logCursor uint64) error
	ApplyVote(ctx context.Context, operationID uint64, support bool, delta int64, logCursor uint64) (bool, error)
	FinalizePoll(ctx context.Context, operationID uint64, approved bool, logCursor uint64) error
	MarkWithdrawn(ctx context.Context, operationID uint64, logCursor uint64) error
	GetLastIndexedBlock(ctx context.Context, chain string) (uint64, error)
	UpdateLastIndexedBlock(ctx context.Context, chain string, blockNumber uint64) error
}

type Indexer struct {
	client   ChainReader
	store    Store
	registry *Registry
	decoder  *contracts.Decoder
	logger   *slog.Logger
	opts     *IndexerOpts
}

type IndexerOpts struct {
	Client   ChainReader
	Store    Store
	Registry *Registry
	Logger   *slog.Logger

	Network           string
	DefaultStartBlock uint64
	FetchInterval     uint64
	MinBatchSize      uint64
	MaxBatchSize      uint64
}

// NewIndexerOptsFromClient copies the indexer settings carried on the RPC
// client options so main only configures them once.
func NewIndexerOptsFromClient(c *ethereum.Client, store Store, registry *Registry, logger *slog.Logger) IndexerOpts {
	return IndexerOpts{
		Client:            c,
		Store:             store,
		Registry:          registry,
		Logger:            logger,
		Network:           c.Opts.NetworkName,
		DefaultStartBlock: c.Opts.DefaultStartBlock,
		FetchInterval:     c.Opts.FetchInterval,
		MinBatchSize:      c.Opts.MinBatchSize,
		MaxBatchSize:      c.Opts.MaxBatchSize,
	}
}

func NewIndexer(opts IndexerOpts) (*Indexer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.FetchInterval == 0 {
		opts.FetchInterval = 10
	}
	if opts.MaxBatchSize == 0 {
		opts.MaxBatchSize = 2000
	}

	decoder, err := contracts.NewDecoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create event decoder: %w", err)
	}

	return &Indexer{
		client:   opts.Client,
		store:    opts.Store,
		registry: opts.Registry,
		decoder:  decoder,
		logger:   opts.Logger.With("component", "indexer", "network", opts.Network),
		opts:     &opts,
	}, nil
}

func (i *Indexer) Registry() *Registry {
	return i.registry
}

// Run drives the checkpointed log-filter loop until ctx is cancelled. RPC and
// store failures are logged and retried on the next interval; they never stop
// the loop.
func (i *Indexer) Run(ctx context.Context) error {
	minBatchSize := i.opts.MinBatchSize
	maxBatchSize := i.opts.MaxBatchSize
	start := i.opts.DefaultStartBlock

	// Get last indexed block
	lastIndexedBlock, err := i.store.GetLastIndexedBlock(ctx, i.opts.Network)
	if err == nil && lastIndexedBlock > 0 {
		start = lastIndexedBlock + 1
	}

	i.logger.Info("starting indexer", "startBlock", start)

	for {
		select {
		case <-ctx.Done():
			i.logger.Info("shutting down indexer")
			return nil
		default:
			// Get current block
			lastBlock, err := i.client.BlockNumber(ctx)
			if err != nil {
				i.logger.Error("failed to get current block", "error", err)
				metrics.IndexerErrorsTotal.WithLabelValues(i.opts.Network).Inc()
				i.sleep(ctx)
				continue
			}

			// If we don't have enough blocks yet, wait and continue
			if lastBlock < start+minBatchSize {
				i.logger.Info("waiting for more blocks",
					"chainHead", lastBlock,
					"nextBatchStart", start,
					"minBatchSize", minBatchSize)
				i.sleep(ctx)
				continue
			}

			addresses := i.registry.List()
			if len(addresses) == 0 {
				i.logger.Info("no pools tracked, skipping batch")
				i.sleep(ctx)
				continue
			}

			// Calculate batch size - use larger batches when catching up
			batchSize := min(maxBatchSize, lastBlock-start+1)
			end := start + batchSize - 1
			if end > lastBlock {
				end = lastBlock
			}

			i.logger.Info("processing blocks",
				"startBlock", start,
				"endBlock", end,
				"batchSize", end-start+1,
				"chainHead", lastBlock)

			if err := i.indexBatch(ctx, addresses, start, end); err != nil {
				i.logger.Error("failed to index batch", "error", err)
				metrics.IndexerErrorsTotal.WithLabelValues(i.opts.Network).Inc()
				i.sleep(ctx)
				continue
			}

			// Update last indexed block
			if err := i.store.UpdateLastIndexedBlock(ctx, i.opts.Network, end); err != nil {
				i.logger.Error("failed to update last indexed block", "error", err)
				metrics.IndexerErrorsTotal.WithLabelValues(i.opts.Network).Inc()
				i.sleep(ctx)
				continue
			}

			i.logger.Info("batch complete", "blocksProcessed", end-start+1)

			start = end + 1
		}
	}
}

// indexBatch filters one block range for pool events and applies each log.
// Per-log store failures are logged and skipped; the cursor guards make the
// eventual replay safe. A filter failure errors the whole batch so it is
// retried without advancing the checkpoint.
func (i *Indexer) indexBatch(ctx context.Context, addresses []common.Address, startBlock, endBlock uint64) error {
	query := goethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(startBlock),
		ToBlock:   new(big.Int).SetUint64(endBlock),
		Addresses: addresses,
		Topics:    [][]common.Hash{contracts.EventTopics()},
	}

	logs, err := i.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, log := range logs {
		// A pool removed mid-batch can still have logs in this range
		if !i.registry.Contains(log.Address) {
			continue
		}

		if err := i.handleLog(ctx, log); err != nil {
			i.logger.Error("failed to handle log",
				"error", err,
				"pool", log.Address.Hex(),
				"block", log.BlockNumber,
				"txHash", log.TxHash.Hex())
			metrics.IndexerErrorsTotal.WithLabelValues(i.opts.Network).Inc()
		}
	}

	return nil
}

func (i *Indexer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(i.opts.FetchInterval) * time.Second):
	}
}
