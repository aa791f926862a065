package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/poolvote-network/pool-relay-api/database/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GetJobState returns the persisted control-plane state for a named job.
// Jobs that have never been touched default to enabled with an immediate
// next run.
func (db *Database) GetJobState(ctx context.Context, name string) (models.JobState, error) {
	var state models.JobState
	err := db.collection("job_state").FindOne(ctx, bson.D{{Key: "name", Value: name}}).Decode(&state)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.JobState{Name: name, Enabled: true}, nil
		}
		return models.JobState{}, fmt.Errorf("failed to get job state: %w", err)
	}

	return state, nil
}

func (db *Database) SetJobEnabled(ctx context.Context, name string, enabled bool) error {
	filter := bson.D{{Key: "name", Value: name}}
	update := bson.D{{
		Key:   "$set",
		Value: bson.D{{Key: "enabled", Value: enabled}},
	}}

	_, err := db.collection("job_state").UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to set job enabled: %w", err)
	}

	return nil
}

// UpdateJobNextRun persists the cadence so a restart resumes it.
func (db *Database) UpdateJobNextRun(ctx context.Context, name string, next time.Time) error {
	filter := bson.D{{Key: "name", Value: name}}
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "next_run_at", Value: next}}},
		{Key: "$setOnInsert", Value: bson.D{{Key: "enabled", Value: true}}},
	}

	_, err := db.collection("job_state").UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to update job next run: %w", err)
	}

	return nil
}
