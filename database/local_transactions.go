package database

import (
	"context"
	"fmt"
	"time"

	"github.com/poolvote-network/pool-relay-api/database/models"
	"github.com/poolvote-network/pool-relay-api/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// CreateLocalTransaction persists a broadcast attempt in PENDING state. This
// happens before the raw transaction is sent, so a crash between signing and
// broadcast leaves an auditable trace.
func (db *Database) CreateLocalTransaction(ctx context.Context, tx models.LocalTransaction) (primitive.ObjectID, error) {
	tx.ID = primitive.NilObjectID
	tx.State = string(types.TxPending)
	tx.CreatedAt = time.Now().UTC()

	result, err := db.collection("local_transactions").InsertOne(ctx, tx)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("failed to create local transaction: %w", err)
	}

	return result.InsertedID.(primitive.ObjectID), nil
}

// MarkLocalTransactionMined records the hash returned by the node. The hash
// is only ever written here, after broadcast acceptance.
func (db *Database) MarkLocalTransactionMined(ctx context.Context, id primitive.ObjectID, txHash string) error {
	update := bson.D{{
		Key: "$set",
		Value: bson.D{
			{Key: "state", Value: string(types.TxMined)},
			{Key: "tx_hash", Value: txHash},
		},
	}}

	result, err := db.collection("local_transactions").UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("failed to mark local transaction mined: %w", err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}

	return nil
}

func (db *Database) MarkLocalTransactionFailed(ctx context.Context, id primitive.ObjectID) error {
	update := bson.D{{
		Key:   "$set",
		Value: bson.D{{Key: "state", Value: string(types.TxFailed)}},
	}}

	result, err := db.collection("local_transactions").UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("failed to mark local transaction failed: %w", err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}

	return nil
}

func (db *Database) GetPendingLocalTransactions(ctx context.Context, network string) ([]models.LocalTransaction, error) {
	filter := bson.D{
		{Key: "network", Value: network},
		{Key: "state", Value: string(types.TxPending)},
	}

	cursor, err := db.collection("local_transactions").Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending local transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var txs []models.LocalTransaction
	if err := cursor.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode local transactions: %w", err)
	}

	return txs, nil
}

// FailPendingLocalTransactions sweeps transactions left PENDING by a previous
// process. Their broadcast outcome is unknown, so they are marked FAILED and
// any ledger record parked on one of them in SUBMITTED goes back to PENDING,
// where the next tick retries it with a fresh nonce.
func (db *Database) FailPendingLocalTransactions(ctx context.Context, network string) (int64, error) {
	stale, err := db.GetPendingLocalTransactions(ctx, network)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]primitive.ObjectID, 0, len(stale))
	for _, tx := range stale {
		ids = append(ids, tx.ID)
	}

	update := bson.D{{
		Key:   "$set",
		Value: bson.D{{Key: "state", Value: string(types.TxFailed)}},
	}}
	result, err := db.collection("local_transactions").UpdateMany(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}}, update)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep pending local transactions: %w", err)
	}

	recordFilter := bson.D{
		{Key: "tx_id", Value: bson.D{{Key: "$in", Value: ids}}},
		{Key: "state", Value: string(types.Submitted)},
	}
	recordUpdate := bson.D{{
		Key: "$set",
		Value: bson.D{
			{Key: "state", Value: string(types.Pending)},
			{Key: "fail_reason", Value: "broadcast outcome unknown, swept on restart"},
		},
	}}
	if _, err := db.collection("ledger_records").UpdateMany(ctx, recordFilter, recordUpdate); err != nil {
		return 0, fmt.Errorf("failed to requeue swept ledger records: %w", err)
	}

	return result.ModifiedCount, nil
}
