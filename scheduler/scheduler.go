// Package scheduler drives transaction submission. One scheduler per
// network runs a durable, single-concurrency polling loop: each tick pulls
// eligible ledger records and walks them serially through admission,
// signing and broadcast, so two submissions never race for the same nonce.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/poolvote-network/pool-relay-api/database/models"
	"github.com/poolvote-network/pool-relay-api/metrics"
	"github.com/poolvote-network/pool-relay-api/txmgr"
	"github.com/poolvote-network/pool-relay-api/types"
)

const (
	defaultTickInterval = 5 * time.Second
)

// Store is the slice of the record store the scheduler needs. The scheduler
// and the indexer communicate only through it.
type Store interface {
	CreateLedgerRecord(ctx context.Context, record models.LedgerRecord) (primitive.ObjectID, error)
	EligibleLedgerRecords(ctx context.Context, network string) ([]models.LedgerRecord, error)
	SetLedgerFailure(ctx context.Context, id primitive.ObjectID, reason string, quarantine bool) error
	MarkLedgerSubmitted(ctx context.Context, id primitive.ObjectID, txID primitive.ObjectID, state string) error
	GetJobState(ctx context.Context, name string) (models.JobState, error)
	SetJobEnabled(ctx context.Context, name string, enabled bool) error
	UpdateJobNextRun(ctx context.Context, name string, next time.Time) error
	FailPendingLocalTransactions(ctx context.Context, network string) (int64, error)
}

// Submitter broadcasts the call a ledger record requests.
type Submitter interface {
	SubmitOperation(ctx context.Context, record models.LedgerRecord) (primitive.ObjectID, error)
}

// AdmissionPolicy gates submission on the current gas price.
type AdmissionPolicy interface {
	ShouldDefer(ctx context.Context) (bool, error)
}

// SuccessHook fires after a record's submission is accepted.
type SuccessHook func(record models.LedgerRecord, txID primitive.ObjectID)

// FailureHook fires after a record's submission attempt fails.
type FailureHook func(record models.LedgerRecord, err error)

type Scheduler struct {
	store     Store
	submitter Submitter
	admission AdmissionPolicy
	logger    *slog.Logger

	network      string
	jobName      string
	tickInterval time.Duration

	mu           sync.Mutex
	successHooks []SuccessHook
	failureHooks []FailureHook
}

type SchedulerOpts struct {
	Store     Store
	Submitter Submitter
	Admission AdmissionPolicy
	Logger    *slog.Logger
	Network   string

	// JobName keys the persisted control-plane state (enablement, cadence).
	JobName string

	TickInterval time.Duration
}

func NewScheduler(opts SchedulerOpts) (*Scheduler, error) {
	if opts.Store == nil || opts.Submitter == nil || opts.Admission == nil {
		return nil, fmt.Errorf("scheduler requires store, submitter and admission policy")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.JobName == "" {
		opts.JobName = "withdrawal-relay:" + opts.Network
	}

	return &Scheduler{
		store:        opts.Store,
		submitter:    opts.Submitter,
		admission:    opts.Admission,
		logger:       opts.Logger,
		network:      opts.Network,
		jobName:      opts.JobName,
		tickInterval: opts.TickInterval,
	}, nil
}

// JobName returns the persisted job key this scheduler runs under.
func (s *Scheduler) JobName() string {
	return s.jobName
}

// Schedule creates a pending ledger record for the requested operation and
// returns immediately. The polling loop picks it up on a later tick.
//
// Addresses are stored checksummed and amounts as canonical big.Int strings.
// The indexer backfills operation ids by exact match on these fields, so a
// lowercase address or a padded amount at creation time would orphan the
// record.
func (s *Scheduler) Schedule(ctx context.Context, op types.OperationType, poolAddress, beneficiary, amount string) (primitive.ObjectID, error) {
	poolAddress = common.HexToAddress(poolAddress).Hex()
	if beneficiary != "" {
		beneficiary = common.HexToAddress(beneficiary).Hex()
	}
	if op == types.ProposeWithdraw {
		parsed, ok := new(big.Int).SetString(amount, 10)
		if !ok || parsed.Sign() <= 0 {
			return primitive.NilObjectID, fmt.Errorf("invalid amount %q: must be a positive integer", amount)
		}
		amount = parsed.String()
	}

	record := models.LedgerRecord{
		Network:     s.network,
		PoolAddress: poolAddress,
		Beneficiary: beneficiary,
		Amount:      amount,
		Operation:   string(op),
		State:       string(types.Pending),
	}

	id, err := s.store.CreateLedgerRecord(ctx, record)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("failed to schedule operation: %w", err)
	}

	s.logger.Info("operation scheduled",
		"recordId", id.Hex(),
		"operation", op,
		"beneficiary", beneficiary)

	return id, nil
}

// OnJobSuccess registers a callback fired after each accepted submission.
func (s *Scheduler) OnJobSuccess(hook SuccessHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successHooks = append(s.successHooks, hook)
}

// OnJobFailure registers a callback fired after each failed submission.
func (s *Scheduler) OnJobFailure(hook FailureHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureHooks = append(s.failureHooks, hook)
}

// Enable resumes the polling loop. Control-plane only: no records are
// touched.
func (s *Scheduler) Enable(ctx context.Context) error {
	return s.store.SetJobEnabled(ctx, s.jobName, true)
}

// Disable stops new ticks from firing. Already-persisted ledger and local
// transaction records are untouched.
func (s *Scheduler) Disable(ctx context.Context) error {
	return s.store.SetJobEnabled(ctx, s.jobName, false)
}

// Run drives the polling loop until the context is cancelled. Cadence is
// persisted per tick, so a restarted process resumes where it left off
// instead of resetting the schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	// Broadcast attempts left pending by a previous process have an unknown
	// outcome. Sweep them so their records retry with a fresh nonce.
	swept, err := s.store.FailPendingLocalTransactions(ctx, s.network)
	if err != nil {
		s.logger.Error("failed to sweep stale pending transactions", "error", err)
	} else if swept > 0 {
		s.logger.Warn("swept stale pending transactions from previous run", "count", swept)
	}

	// Resume the persisted cadence.
	state, err := s.store.GetJobState(ctx, s.jobName)
	if err != nil {
		s.logger.Error("failed to load job state, starting immediately", "error", err)
	} else if wait := time.Until(state.NextRunAt); wait > 0 {
		s.logger.Info("resuming persisted schedule", "nextRunAt", state.NextRunAt)
		if err := sleepCtx(ctx, wait); err != nil {
			return nil
		}
	}

	s.logger.Info("starting scheduler", "job", s.jobName, "tickInterval", s.tickInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down scheduler", "job", s.jobName)
			return nil
		default:
			state, err := s.store.GetJobState(ctx, s.jobName)
			if err != nil {
				s.logger.Error("failed to get job state", "error", err)
			} else if state.Enabled {
				s.tick(ctx)
			}

			next := time.Now().UTC().Add(s.tickInterval)
			if err := s.store.UpdateJobNextRun(ctx, s.jobName, next); err != nil {
				s.logger.Error("failed to persist next run", "error", err)
			}

			if err := sleepCtx(ctx, s.tickInterval); err != nil {
				return nil
			}
		}
	}
}

// tick processes every eligible record once, serially.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.TickDuration.WithLabelValues(s.network).Observe(time.Since(start).Seconds())
	}()

	records, err := s.store.EligibleLedgerRecords(ctx, s.network)
	if err != nil {
		s.logger.Error("failed to get eligible records", "error", err)
		return
	}

	for _, record := range records {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.runJob(ctx, record)
	}
}

// runJob is the isolated failure boundary around one record's submission:
// panics and errors are logged and the loop moves to the next record.
func (s *Scheduler) runJob(ctx context.Context, record models.LedgerRecord) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in submission job", "recordId", record.ID.Hex(), "panic", r)
		}
	}()

	deferred, err := s.admission.ShouldDefer(ctx)
	if err != nil {
		// Oracle unreachable: fail safe, treat as congestion.
		s.logger.Warn("fee oracle unavailable, deferring", "recordId", record.ID.Hex(), "error", err)
		deferred = true
	}

	if deferred {
		metrics.DeferralsTotal.WithLabelValues(s.network).Inc()
		if err := s.store.SetLedgerFailure(ctx, record.ID, types.GasCapExceeded, false); err != nil {
			s.logger.Error("failed to record deferral", "recordId", record.ID.Hex(), "error", err)
		}
		return
	}

	txID, err := s.submitter.SubmitOperation(ctx, record)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues(s.network, "failure").Inc()

		// Fee ceiling breaches are a policy hard stop: quarantine the
		// record so it is never silently re-attempted.
		quarantine := errors.Is(err, txmgr.ErrMaxFeeExceeded)
		if setErr := s.store.SetLedgerFailure(ctx, record.ID, err.Error(), quarantine); setErr != nil {
			s.logger.Error("failed to record submission failure", "recordId", record.ID.Hex(), "error", setErr)
		}

		s.logger.Error("submission failed",
			"recordId", record.ID.Hex(),
			"operation", record.Operation,
			"quarantined", quarantine,
			"error", err)

		s.fireFailure(record, err)
		return
	}

	metrics.SubmissionsTotal.WithLabelValues(s.network, "success").Inc()

	// An accepted broadcast takes the record out of the eligible set, so a
	// later tick never rebuilds the same call with a fresh nonce. Proposals
	// wait in SUBMITTED for the indexer to observe their event; claims emit
	// none and are done.
	next := types.Submitted
	if types.OperationType(record.Operation) != types.ProposeWithdraw {
		next = types.Completed
	}
	if err := s.store.MarkLedgerSubmitted(ctx, record.ID, txID, string(next)); err != nil {
		s.logger.Error("failed to mark record submitted", "recordId", record.ID.Hex(), "error", err)
	}

	s.logger.Info("submission accepted",
		"recordId", record.ID.Hex(),
		"operation", record.Operation,
		"txId", txID.Hex())

	s.fireSuccess(record, txID)
}

func (s *Scheduler) fireSuccess(record models.LedgerRecord, txID primitive.ObjectID) {
	s.mu.Lock()
	hooks := make([]SuccessHook, len(s.successHooks))
	copy(hooks, s.successHooks)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(record, txID)
	}
}

func (s *Scheduler) fireFailure(record models.LedgerRecord, err error) {
	s.mu.Lock()
	hooks := make([]FailureHook, len(s.failureHooks))
	copy(hooks, s.failureHooks)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(record, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
