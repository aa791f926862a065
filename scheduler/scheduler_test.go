package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/poolvote-network/pool-relay-api/database/models"
	"github.com/poolvote-network/pool-relay-api/txmgr"
	"github.com/poolvote-network/pool-relay-api/types"
)

type failureCall struct {
	id         primitive.ObjectID
	reason     string
	quarantine bool
}

type fakeStore struct {
	records  []models.LedgerRecord
	failures []failureCall
	marked   []primitive.ObjectID
	enabled  map[string]bool
	nextRuns map[string]time.Time

	// records whose broadcast outcome a previous process left unknown;
	// the sweep returns them to PENDING
	stale      map[primitive.ObjectID]bool
	sweepCalls int
}

func newFakeStore(records ...models.LedgerRecord) *fakeStore {
	return &fakeStore{
		records:  records,
		enabled:  make(map[string]bool),
		nextRuns: make(map[string]time.Time),
		stale:    make(map[primitive.ObjectID]bool),
	}
}

func (f *fakeStore) CreateLedgerRecord(ctx context.Context, record models.LedgerRecord) (primitive.ObjectID, error) {
	record.ID = primitive.NewObjectID()
	f.records = append(f.records, record)
	return record.ID, nil
}

func (f *fakeStore) EligibleLedgerRecords(ctx context.Context, network string) ([]models.LedgerRecord, error) {
	eligible := make([]models.LedgerRecord, 0, len(f.records))
	for _, r := range f.records {
		if r.State == string(types.Pending) && r.OperationID == nil && !r.Quarantined {
			eligible = append(eligible, r)
		}
	}
	return eligible, nil
}

func (f *fakeStore) SetLedgerFailure(ctx context.Context, id primitive.ObjectID, reason string, quarantine bool) error {
	f.failures = append(f.failures, failureCall{id: id, reason: reason, quarantine: quarantine})
	for i := range f.records {
		if f.records[i].ID == id {
			f.records[i].FailReason = reason
			f.records[i].Quarantined = quarantine
			f.records[i].Attempts++
		}
	}
	return nil
}

func (f *fakeStore) MarkLedgerSubmitted(ctx context.Context, id primitive.ObjectID, txID primitive.ObjectID, state string) error {
	f.marked = append(f.marked, id)
	for i := range f.records {
		if f.records[i].ID == id {
			f.records[i].FailReason = ""
			f.records[i].TxID = txID
			f.records[i].State = state
		}
	}
	return nil
}

func (f *fakeStore) GetJobState(ctx context.Context, name string) (models.JobState, error) {
	enabled, ok := f.enabled[name]
	if !ok {
		enabled = true
	}
	return models.JobState{Name: name, Enabled: enabled, NextRunAt: f.nextRuns[name]}, nil
}

func (f *fakeStore) SetJobEnabled(ctx context.Context, name string, enabled bool) error {
	f.enabled[name] = enabled
	return nil
}

func (f *fakeStore) UpdateJobNextRun(ctx context.Context, name string, next time.Time) error {
	f.nextRuns[name] = next
	return nil
}

func (f *fakeStore) FailPendingLocalTransactions(ctx context.Context, network string) (int64, error) {
	f.sweepCalls++
	var swept int64
	for i := range f.records {
		if f.stale[f.records[i].ID] && f.records[i].State == string(types.Submitted) {
			f.records[i].State = string(types.Pending)
			f.records[i].FailReason = "broadcast outcome unknown, swept on restart"
			swept++
		}
	}
	return swept, nil
}

type fakeSubmitter struct {
	err       error
	submitted []primitive.ObjectID
}

func (f *fakeSubmitter) SubmitOperation(ctx context.Context, record models.LedgerRecord) (primitive.ObjectID, error) {
	if f.err != nil {
		return primitive.NilObjectID, f.err
	}
	f.submitted = append(f.submitted, record.ID)
	return primitive.NewObjectID(), nil
}

type fakeAdmission struct {
	deferred bool
	err      error
}

func (f *fakeAdmission) ShouldDefer(ctx context.Context) (bool, error) {
	return f.deferred, f.err
}

func pendingRecord() models.LedgerRecord {
	return models.LedgerRecord{
		ID:        primitive.NewObjectID(),
		Network:   "testnet",
		Operation: string(types.ProposeWithdraw),
		Amount:    "1000",
		State:     string(types.Pending),
	}
}

func newTestScheduler(t *testing.T, store Store, submitter Submitter, admission AdmissionPolicy) *Scheduler {
	t.Helper()
	s, err := NewScheduler(SchedulerOpts{
		Store:     store,
		Submitter: submitter,
		Admission: admission,
		Network:   "testnet",
	})
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	return s
}

func TestTick_DeferralLeavesSentinel(t *testing.T) {
	store := newFakeStore(pendingRecord())
	submitter := &fakeSubmitter{}
	s := newTestScheduler(t, store, submitter, &fakeAdmission{deferred: true})

	s.tick(context.Background())

	if len(submitter.submitted) != 0 {
		t.Fatal("deferred tick must not submit")
	}
	if len(store.failures) != 1 {
		t.Fatalf("expected 1 failure write, got %d", len(store.failures))
	}
	failure := store.failures[0]
	if failure.reason != types.GasCapExceeded {
		t.Errorf("expected sentinel reason %q, got %q", types.GasCapExceeded, failure.reason)
	}
	if failure.quarantine {
		t.Error("gas deferral must not quarantine the record")
	}
}

func TestTick_AdmissionIdempotence(t *testing.T) {
	store := newFakeStore(pendingRecord())
	submitter := &fakeSubmitter{}
	admission := &fakeAdmission{deferred: true}
	s := newTestScheduler(t, store, submitter, admission)

	// Two congested ticks, record stays queued with the sentinel
	s.tick(context.Background())
	s.tick(context.Background())
	if len(submitter.submitted) != 0 {
		t.Fatal("expected no submissions while congested")
	}

	// Gas drops: exactly one submission
	admission.deferred = false
	s.tick(context.Background())
	if len(submitter.submitted) != 1 {
		t.Fatalf("expected exactly 1 submission, got %d", len(submitter.submitted))
	}
	if store.records[0].FailReason != "" {
		t.Errorf("expected cleared fail reason, got %q", store.records[0].FailReason)
	}
}

func TestRunJob_OracleFailureDefers(t *testing.T) {
	store := newFakeStore(pendingRecord())
	submitter := &fakeSubmitter{}
	s := newTestScheduler(t, store, submitter, &fakeAdmission{err: errors.New("rpc down")})

	s.tick(context.Background())

	if len(submitter.submitted) != 0 {
		t.Fatal("oracle failure must not submit")
	}
	if len(store.failures) != 1 || store.failures[0].reason != types.GasCapExceeded {
		t.Fatal("expected deferral sentinel on oracle failure")
	}
}

func TestRunJob_FeeCeilingQuarantines(t *testing.T) {
	store := newFakeStore(pendingRecord())
	submitErr := fmt.Errorf("%w: computed 300, ceiling 200", txmgr.ErrMaxFeeExceeded)
	submitter := &fakeSubmitter{err: submitErr}
	s := newTestScheduler(t, store, submitter, &fakeAdmission{})

	var hookErr error
	s.OnJobFailure(func(record models.LedgerRecord, err error) {
		hookErr = err
	})

	s.tick(context.Background())

	if len(store.failures) != 1 {
		t.Fatalf("expected 1 failure write, got %d", len(store.failures))
	}
	if !store.failures[0].quarantine {
		t.Error("fee ceiling breach must quarantine the record")
	}
	if !errors.Is(hookErr, txmgr.ErrMaxFeeExceeded) {
		t.Errorf("expected failure hook with fee ceiling error, got %v", hookErr)
	}

	// Quarantined records drop out of later ticks until requeued
	s.tick(context.Background())
	if len(store.failures) != 1 {
		t.Error("quarantined record must not be re-attempted")
	}
}

func TestRunJob_BroadcastFailureStaysRetryable(t *testing.T) {
	store := newFakeStore(pendingRecord())
	submitter := &fakeSubmitter{err: fmt.Errorf("%w: connection refused", txmgr.ErrBroadcastFailed)}
	s := newTestScheduler(t, store, submitter, &fakeAdmission{})

	s.tick(context.Background())
	s.tick(context.Background())

	// Both attempts recorded, record never quarantined
	if len(store.failures) != 2 {
		t.Fatalf("expected 2 failure writes, got %d", len(store.failures))
	}
	for _, failure := range store.failures {
		if failure.quarantine {
			t.Error("broadcast failure must stay retryable")
		}
	}
	if store.records[0].Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", store.records[0].Attempts)
	}
}

func TestRunJob_SuccessFiresHook(t *testing.T) {
	record := pendingRecord()
	store := newFakeStore(record)
	submitter := &fakeSubmitter{}
	s := newTestScheduler(t, store, submitter, &fakeAdmission{})

	var hookRecord models.LedgerRecord
	fired := 0
	s.OnJobSuccess(func(r models.LedgerRecord, txID primitive.ObjectID) {
		hookRecord = r
		fired++
	})

	s.tick(context.Background())

	if fired != 1 {
		t.Fatalf("expected success hook fired once, got %d", fired)
	}
	if hookRecord.ID != record.ID {
		t.Error("hook received the wrong record")
	}
	if len(store.marked) != 1 {
		t.Error("expected record marked submitted on success")
	}
}

func TestTick_AcceptedRecordNotResubmitted(t *testing.T) {
	store := newFakeStore(pendingRecord())
	submitter := &fakeSubmitter{}
	s := newTestScheduler(t, store, submitter, &fakeAdmission{})

	// The indexer may lag many blocks behind the broadcast; the record must
	// not be rebuilt with a fresh nonce while it waits.
	s.tick(context.Background())
	s.tick(context.Background())
	s.tick(context.Background())

	if len(submitter.submitted) != 1 {
		t.Fatalf("expected exactly 1 submission over 3 ticks, got %d", len(submitter.submitted))
	}
	if store.records[0].State != string(types.Submitted) {
		t.Errorf("expected SUBMITTED state after acceptance, got %s", store.records[0].State)
	}
}

func TestTick_ClaimCompletesOnAcceptance(t *testing.T) {
	claim := pendingRecord()
	claim.Operation = string(types.ClaimRewardFor)
	store := newFakeStore(claim)
	submitter := &fakeSubmitter{}
	s := newTestScheduler(t, store, submitter, &fakeAdmission{})

	s.tick(context.Background())
	s.tick(context.Background())

	// Claims emit no tracked event, so acceptance is terminal
	if len(submitter.submitted) != 1 {
		t.Fatalf("expected exactly 1 submission, got %d", len(submitter.submitted))
	}
	if store.records[0].State != string(types.Completed) {
		t.Errorf("expected COMPLETED state, got %s", store.records[0].State)
	}
}

func TestTick_SerialSubmissionOrder(t *testing.T) {
	first := pendingRecord()
	second := pendingRecord()
	third := pendingRecord()
	store := newFakeStore(first, second, third)
	submitter := &fakeSubmitter{}
	s := newTestScheduler(t, store, submitter, &fakeAdmission{})

	s.tick(context.Background())

	if len(submitter.submitted) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(submitter.submitted))
	}
	want := []primitive.ObjectID{first.ID, second.ID, third.ID}
	for i, id := range want {
		if submitter.submitted[i] != id {
			t.Errorf("submission %d out of order", i)
		}
	}
}

func TestEnableDisable(t *testing.T) {
	store := newFakeStore()
	s := newTestScheduler(t, store, &fakeSubmitter{}, &fakeAdmission{})

	if err := s.Disable(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.enabled[s.JobName()] {
		t.Error("expected job disabled")
	}

	if err := s.Enable(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !store.enabled[s.JobName()] {
		t.Error("expected job enabled")
	}
}

func TestRun_SweepsStaleBroadcasts(t *testing.T) {
	// A record parked in SUBMITTED on a broadcast whose outcome a previous
	// process never learned: the startup sweep returns it to PENDING and
	// the first tick retries it.
	record := pendingRecord()
	record.State = string(types.Submitted)
	store := newFakeStore(record)
	store.stale[record.ID] = true
	submitter := &fakeSubmitter{}

	s, err := NewScheduler(SchedulerOpts{
		Store:        store,
		Submitter:    submitter,
		Admission:    &fakeAdmission{},
		Network:      "testnet",
		TickInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if store.sweepCalls != 1 {
		t.Fatalf("expected 1 sweep on startup, got %d", store.sweepCalls)
	}
	if len(submitter.submitted) != 1 {
		t.Fatalf("expected swept record submitted exactly once, got %d", len(submitter.submitted))
	}
	if store.records[0].State != string(types.Submitted) {
		t.Errorf("expected record back in SUBMITTED after retry, got %s", store.records[0].State)
	}
}

func TestSchedule_NormalizesInput(t *testing.T) {
	store := newFakeStore()
	s := newTestScheduler(t, store, &fakeSubmitter{}, &fakeAdmission{})

	pool := "0x8ba1f109551bd432803012645ac136ddd64dba72"
	beneficiary := "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"

	_, err := s.Schedule(context.Background(), types.ProposeWithdraw, pool, beneficiary, "01000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	record := store.records[0]
	if record.PoolAddress != common.HexToAddress(pool).Hex() {
		t.Errorf("expected checksummed pool address, got %s", record.PoolAddress)
	}
	if record.Beneficiary != common.HexToAddress(beneficiary).Hex() {
		t.Errorf("expected checksummed beneficiary, got %s", record.Beneficiary)
	}
	// The indexer backfills by exact amount match, so "01000" must be
	// stored as the canonical "1000"
	if record.Amount != "1000" {
		t.Errorf("expected canonical amount 1000, got %s", record.Amount)
	}
}

func TestSchedule_RejectsInvalidAmount(t *testing.T) {
	store := newFakeStore()
	s := newTestScheduler(t, store, &fakeSubmitter{}, &fakeAdmission{})

	for _, amount := range []string{"", "abc", "-5", "0"} {
		_, err := s.Schedule(context.Background(), types.ProposeWithdraw, "0xabc", "0xdef", amount)
		if err == nil {
			t.Errorf("expected error for amount %q", amount)
		}
	}
	if len(store.records) != 0 {
		t.Fatalf("expected no records created, got %d", len(store.records))
	}
}

func TestSchedule_CreatesPendingRecord(t *testing.T) {
	store := newFakeStore()
	s := newTestScheduler(t, store, &fakeSubmitter{}, &fakeAdmission{})

	id, err := s.Schedule(context.Background(), types.ProposeWithdraw, "0xabc", "0xdef", "1000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.IsZero() {
		t.Fatal("expected a record id")
	}
	if len(store.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(store.records))
	}
	if store.records[0].State != string(types.Pending) {
		t.Errorf("expected PENDING state, got %s", store.records[0].State)
	}
}
