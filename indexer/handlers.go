package indexer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/poolvote-network/pool-relay-api/contracts"
	"github.com/poolvote-network/pool-relay-api/metrics"
)

// logCursor packs a log's position into a single ordered value so records can
// reject replays with one comparison. 20 bits leaves room for a million logs
// per block.
func logCursor(log types.Log) uint64 {
	return log.BlockNumber<<20 | uint64(log.Index)
}

func (i *Indexer) handleLog(ctx context.Context, log types.Log) error {
	if len(log.Topics) == 0 {
		return nil
	}
	cursor := logCursor(log)

	switch log.Topics[0] {
	case contracts.WithdrawalProposedEventABIHash:
		ev, err := i.decoder.DecodeWithdrawalProposed(log)
		if err != nil {
			return fmt.Errorf("failed to decode WithdrawalProposed: %w", err)
		}
		if err := i.store.RecordOperationCreated(ctx, i.opts.Network, log.Address.Hex(), ev, cursor); err != nil {
			return fmt.Errorf("failed to record operation %d: %w", ev.OperationID, err)
		}
		i.logger.Info("withdrawal proposed",
			"operationId", ev.OperationID,
			"beneficiary", ev.Beneficiary.Hex(),
			"amount", ev.Amount.String())
		metrics.IndexedLogsTotal.WithLabelValues(i.opts.Network, "WithdrawalProposed").Inc()

	case contracts.VoteCastEventABIHash:
		ev, err := i.decoder.DecodeVoteCast(log)
		if err != nil {
			return fmt.Errorf("failed to decode VoteCast: %w", err)
		}
		applied, err := i.store.ApplyVote(ctx, ev.OperationID, ev.Support, 1, cursor)
		if err != nil {
			return fmt.Errorf("failed to apply vote on operation %d: %w", ev.OperationID, err)
		}
		if !applied {
			i.logger.Debug("skipping already applied vote", "operationId", ev.OperationID, "cursor", cursor)
			return nil
		}
		metrics.IndexedLogsTotal.WithLabelValues(i.opts.Network, "VoteCast").Inc()

	case contracts.VoteRevokedEventABIHash:
		ev, err := i.decoder.DecodeVoteRevoked(log)
		if err != nil {
			return fmt.Errorf("failed to decode VoteRevoked: %w", err)
		}
		applied, err := i.store.ApplyVote(ctx, ev.OperationID, ev.Support, -1, cursor)
		if err != nil {
			return fmt.Errorf("failed to revoke vote on operation %d: %w", ev.OperationID, err)
		}
		if !applied {
			i.logger.Debug("skipping already applied revocation", "operationId", ev.OperationID, "cursor", cursor)
			return nil
		}
		metrics.IndexedLogsTotal.WithLabelValues(i.opts.Network, "VoteRevoked").Inc()

	case contracts.PollFinalizedEventABIHash:
		ev, err := i.decoder.DecodePollFinalized(log)
		if err != nil {
			return fmt.Errorf("failed to decode PollFinalized: %w", err)
		}
		if err := i.store.FinalizePoll(ctx, ev.OperationID, ev.Approved, cursor); err != nil {
			return fmt.Errorf("failed to finalize poll on operation %d: %w", ev.OperationID, err)
		}
		i.logger.Info("poll finalized", "operationId", ev.OperationID, "approved", ev.Approved)
		metrics.IndexedLogsTotal.WithLabelValues(i.opts.Network, "PollFinalized").Inc()

	case contracts.FundsWithdrawnEventABIHash:
		ev, err := i.decoder.DecodeFundsWithdrawn(log)
		if err != nil {
			return fmt.Errorf("failed to decode FundsWithdrawn: %w", err)
		}
		if err := i.store.MarkWithdrawn(ctx, ev.OperationID, cursor); err != nil {
			return fmt.Errorf("failed to mark operation %d withdrawn: %w", ev.OperationID, err)
		}
		i.logger.Info("funds withdrawn",
			"operationId", ev.OperationID,
			"beneficiary", ev.Beneficiary.Hex(),
			"amount", ev.Amount.String())
		metrics.IndexedLogsTotal.WithLabelValues(i.opts.Network, "FundsWithdrawn").Inc()
	}

	return nil
}
