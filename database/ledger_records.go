package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/poolvote-network/pool-relay-api/contracts"
	"github.com/poolvote-network/pool-relay-api/database/models"
	"github.com/poolvote-network/pool-relay-api/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (db *Database) CreateLedgerRecord(ctx context.Context, record models.LedgerRecord) (primitive.ObjectID, error) {
	record.ID = primitive.NilObjectID
	record.CreatedAt = time.Now().UTC()
	if record.State == "" {
		record.State = string(types.Pending)
	}

	result, err := db.collection("ledger_records").InsertOne(ctx, record)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("failed to create ledger record: %w", err)
	}

	return result.InsertedID.(primitive.ObjectID), nil
}

func (db *Database) GetLedgerRecord(ctx context.Context, id primitive.ObjectID) (models.LedgerRecord, error) {
	var record models.LedgerRecord
	err := db.collection("ledger_records").FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&record)
	if err != nil {
		return models.LedgerRecord{}, fmt.Errorf("failed to get ledger record: %w", err)
	}
	return record, nil
}

func (db *Database) GetLedgerRecordByOperationID(ctx context.Context, operationID uint64) (models.LedgerRecord, error) {
	var record models.LedgerRecord
	err := db.collection("ledger_records").FindOne(ctx, bson.D{{Key: "operation_id", Value: operationID}}).Decode(&record)
	if err != nil {
		return models.LedgerRecord{}, fmt.Errorf("failed to get ledger record by operation id: %w", err)
	}
	return record, nil
}

// EligibleLedgerRecords returns records awaiting submission: still pending,
// no on-chain operation id yet, not quarantined. Records whose failReason is
// the gas-cap sentinel stay eligible and so retry on the next tick.
func (db *Database) EligibleLedgerRecords(ctx context.Context, network string) ([]models.LedgerRecord, error) {
	filter := bson.D{
		{Key: "network", Value: network},
		{Key: "state", Value: string(types.Pending)},
		{Key: "operation_id", Value: bson.D{{Key: "$exists", Value: false}}},
		{Key: "quarantined", Value: bson.D{{Key: "$ne", Value: true}}},
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := db.collection("ledger_records").Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get eligible ledger records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []models.LedgerRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode ledger records: %w", err)
	}

	return records, nil
}

// SetLedgerFailure records the latest submission error. quarantine is set
// for hard-stop failures (fee ceiling) that must never retry automatically.
func (db *Database) SetLedgerFailure(ctx context.Context, id primitive.ObjectID, reason string, quarantine bool) error {
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "fail_reason", Value: reason},
			{Key: "quarantined", Value: quarantine},
		}},
		{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
	}

	result, err := db.collection("ledger_records").UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("failed to set ledger failure: %w", err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}

	return nil
}

// MarkLedgerSubmitted moves a record out of the eligible set after an
// accepted broadcast: failReason is cleared, the local transaction that
// carried the call is attached, and state advances to SUBMITTED (withdrawal
// proposals, which wait for their on-chain event) or COMPLETED (claims,
// which have no tracked event). Keeps at most one outstanding local
// transaction per record.
func (db *Database) MarkLedgerSubmitted(ctx context.Context, id primitive.ObjectID, txID primitive.ObjectID, state string) error {
	update := bson.D{{
		Key: "$set",
		Value: bson.D{
			{Key: "fail_reason", Value: ""},
			{Key: "tx_id", Value: txID},
			{Key: "state", Value: state},
		},
	}}

	result, err := db.collection("ledger_records").UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("failed to mark ledger record submitted: %w", err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}

	return nil
}

// RequeueLedgerRecord lifts a quarantine so the scheduler picks the record
// up again. Operator action, exposed through the admin API.
func (db *Database) RequeueLedgerRecord(ctx context.Context, id primitive.ObjectID) error {
	update := bson.D{{
		Key: "$set",
		Value: bson.D{
			{Key: "quarantined", Value: false},
			{Key: "fail_reason", Value: ""},
		},
	}}

	result, err := db.collection("ledger_records").UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("failed to requeue ledger record: %w", err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}

	return nil
}

// RecordOperationCreated applies a withdrawal-proposed event. If a pending
// record matches (pre-created by the API layer before submission), its
// on-chain operation id is backfilled; otherwise a new record is created
// with a fresh poll window and zero counters. Safe under redelivery: the
// unique operation_id index turns a duplicate insert into a no-op.
func (db *Database) RecordOperationCreated(ctx context.Context, network, poolAddress string, ev *contracts.WithdrawalProposedEvent, logCursor uint64) error {
	coll := db.collection("ledger_records")

	poll := models.Poll{Start: ev.PollStart, End: ev.PollEnd}

	backfill := bson.D{
		{Key: "network", Value: network},
		{Key: "pool_address", Value: poolAddress},
		{Key: "beneficiary", Value: ev.Beneficiary.Hex()},
		{Key: "amount", Value: ev.Amount.String()},
		{Key: "operation_id", Value: bson.D{{Key: "$exists", Value: false}}},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "operation_id", Value: ev.OperationID},
			{Key: "state", Value: string(types.Active)},
			{Key: "poll", Value: poll},
		}},
		{Key: "$max", Value: bson.D{{Key: "last_applied_log", Value: logCursor}}},
	}

	err := coll.FindOneAndUpdate(ctx, backfill, update).Err()
	if err == nil {
		return nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("failed to backfill operation id: %w", err)
	}

	// No pre-created record, the operation originated outside this service.
	opID := ev.OperationID
	record := models.LedgerRecord{
		Network:        network,
		PoolAddress:    poolAddress,
		Beneficiary:    ev.Beneficiary.Hex(),
		Amount:         ev.Amount.String(),
		Operation:      string(types.ProposeWithdraw),
		State:          string(types.Active),
		Poll:           &poll,
		OperationID:    &opID,
		LastAppliedLog: logCursor,
		CreatedAt:      time.Now().UTC(),
	}

	if _, err := coll.InsertOne(ctx, record); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to create ledger record from event: %w", err)
	}

	return nil
}

// ApplyVote adjusts the poll counters by delta (+1 for cast, -1 for revoke).
// The last_applied_log guard makes redelivered logs no-ops: the update only
// matches when the event's cursor is newer than the last one applied.
func (db *Database) ApplyVote(ctx context.Context, operationID uint64, support bool, delta int64, logCursor uint64) (bool, error) {
	counter := "poll.no"
	if support {
		counter = "poll.yes"
	}

	filter := bson.D{
		{Key: "operation_id", Value: operationID},
		{Key: "poll", Value: bson.D{{Key: "$exists", Value: true}}},
		{Key: "last_applied_log", Value: bson.D{{Key: "$lt", Value: logCursor}}},
	}
	update := bson.D{
		{Key: "$inc", Value: bson.D{
			{Key: counter, Value: delta},
			{Key: "poll.total_voted", Value: delta},
		}},
		{Key: "$set", Value: bson.D{{Key: "last_applied_log", Value: logCursor}}},
	}

	result, err := db.collection("ledger_records").UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to apply vote: %w", err)
	}

	return result.ModifiedCount > 0, nil
}

// FinalizePoll clears the poll window and records the outcome.
func (db *Database) FinalizePoll(ctx context.Context, operationID uint64, approved bool, logCursor uint64) error {
	filter := bson.D{
		{Key: "operation_id", Value: operationID},
		{Key: "last_applied_log", Value: bson.D{{Key: "$lt", Value: logCursor}}},
	}
	update := bson.D{
		{Key: "$unset", Value: bson.D{{Key: "poll", Value: ""}}},
		{Key: "$set", Value: bson.D{
			{Key: "approved", Value: approved},
			{Key: "last_applied_log", Value: logCursor},
		}},
	}

	result, err := db.collection("ledger_records").UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to finalize poll: %w", err)
	}
	if result.MatchedCount == 0 {
		// Zero matches is either a replayed log (cursor guard) or a record
		// that never existed, e.g. the checkpoint started past the creation
		// block. Only the latter is a gap in the ledger worth surfacing.
		n, countErr := db.collection("ledger_records").CountDocuments(ctx, bson.D{{Key: "operation_id", Value: operationID}})
		if countErr == nil && n == 0 {
			db.logger.Warn("poll finalized for unknown operation", "operationId", operationID)
		}
	}

	return nil
}

// MarkWithdrawn sets the terminal state. Naturally idempotent: re-applying
// the same event writes the same state and touches nothing else.
func (db *Database) MarkWithdrawn(ctx context.Context, operationID uint64, logCursor uint64) error {
	filter := bson.D{{Key: "operation_id", Value: operationID}}
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "state", Value: string(types.Withdrawn)}}},
		{Key: "$max", Value: bson.D{{Key: "last_applied_log", Value: logCursor}}},
	}

	result, err := db.collection("ledger_records").UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to mark ledger record withdrawn: %w", err)
	}
	if result.MatchedCount == 0 {
		db.logger.Warn("withdrawal event for unknown operation", "operationId", operationID)
	}

	return nil
}

func buildFilter(f models.Filter) bson.M {
	filter := bson.M{}
	if f.Network != "" {
		filter["network"] = f.Network
	}
	if f.State != "" {
		filter["state"] = f.State
	}
	if f.Operation != "" {
		filter["operation"] = f.Operation
	}
	if f.Beneficiary != "" {
		filter["beneficiary"] = f.Beneficiary
	}
	if f.PoolAddress != "" {
		filter["pool_address"] = f.PoolAddress
	}
	return filter
}

func (db *Database) GetLedgerRecords(ctx context.Context, filter models.Filter, page, pageSize int64) (*models.PaginatedResult, error) {
	coll := db.collection("ledger_records")
	mongoFilter := buildFilter(filter)

	total, err := coll.CountDocuments(ctx, mongoFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to count ledger records: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip((page - 1) * pageSize).
		SetLimit(pageSize)

	cursor, err := coll.Find(ctx, mongoFilter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []models.LedgerRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode ledger records: %w", err)
	}

	return &models.PaginatedResult{
		Items:      records,
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}
