package indexer

import (
	"context"
	"math/big"
	"testing"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/poolvote-network/pool-relay-api/contracts"
)

type opState struct {
	yes, no, total int64
	cursor         uint64
	approved       bool
	withdrawn      bool
	created        int
}

// fakeStore mirrors the real store's cursor guard: an event at or below the
// last applied cursor is rejected.
type fakeStore struct {
	ops         map[uint64]*opState
	lastIndexed uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{ops: make(map[uint64]*opState)}
}

func (f *fakeStore) op(id uint64) *opState {
	if f.ops[id] == nil {
		f.ops[id] = &opState{}
	}
	return f.ops[id]
}

func (f *fakeStore) RecordOperationCreated(ctx context.Context, network, poolAddress string, ev *contracts.WithdrawalProposedEvent, logCursor uint64) error {
	op := f.op(ev.OperationID)
	if op.created == 0 {
		op.created++
		op.cursor = logCursor
	}
	return nil
}

func (f *fakeStore) ApplyVote(ctx context.Context, operationID uint64, support bool, delta int64, logCursor uint64) (bool, error) {
	op := f.op(operationID)
	if logCursor <= op.cursor {
		return false, nil
	}
	if support {
		op.yes += delta
	} else {
		op.no += delta
	}
	op.total += delta
	op.cursor = logCursor
	return true, nil
}

func (f *fakeStore) FinalizePoll(ctx context.Context, operationID uint64, approved bool, logCursor uint64) error {
	op := f.op(operationID)
	op.approved = approved
	op.cursor = logCursor
	return nil
}

func (f *fakeStore) MarkWithdrawn(ctx context.Context, operationID uint64, logCursor uint64) error {
	op := f.op(operationID)
	op.withdrawn = true
	if logCursor > op.cursor {
		op.cursor = logCursor
	}
	return nil
}

func (f *fakeStore) GetLastIndexedBlock(ctx context.Context, chain string) (uint64, error) {
	return f.lastIndexed, nil
}

func (f *fakeStore) UpdateLastIndexedBlock(ctx context.Context, chain string, blockNumber uint64) error {
	f.lastIndexed = blockNumber
	return nil
}

type fakeChain struct {
	head uint64
	logs []types.Log
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) FilterLogs(ctx context.Context, q goethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, nil
}

func newTestIndexer(t *testing.T, chain ChainReader, store Store, registry *Registry) *Indexer {
	t.Helper()
	i, err := NewIndexer(IndexerOpts{
		Client:   chain,
		Store:    store,
		Registry: registry,
		Network:  "testnet",
	})
	if err != nil {
		t.Fatalf("failed to create indexer: %v", err)
	}
	return i
}

func packEventData(t *testing.T, event string, args ...interface{}) []byte {
	t.Helper()
	parsed, err := contracts.ParsePoolVaultABI()
	if err != nil {
		t.Fatalf("failed to parse abi: %v", err)
	}
	data, err := parsed.Events[event].Inputs.NonIndexed().Pack(args...)
	if err != nil {
		t.Fatalf("failed to pack %s data: %v", event, err)
	}
	return data
}

func voteCastLog(t *testing.T, pool common.Address, opID uint64, voter common.Address, support bool, block uint64, index uint) types.Log {
	return types.Log{
		Address: pool,
		Topics: []common.Hash{
			contracts.VoteCastEventABIHash,
			common.BigToHash(new(big.Int).SetUint64(opID)),
			common.BytesToHash(voter.Bytes()),
		},
		Data:        packEventData(t, "VoteCast", support),
		BlockNumber: block,
		Index:       index,
	}
}

func TestHandleLog_WithdrawalProposed(t *testing.T) {
	pool := common.HexToAddress("0xaa")
	store := newFakeStore()
	idx := newTestIndexer(t, &fakeChain{}, store, NewRegistry())

	log := types.Log{
		Address: pool,
		Topics: []common.Hash{
			contracts.WithdrawalProposedEventABIHash,
			common.BigToHash(big.NewInt(42)),
			common.BytesToHash(common.HexToAddress("0xbb").Bytes()),
		},
		Data:        packEventData(t, "WithdrawalProposed", big.NewInt(1000), uint64(10), uint64(20)),
		BlockNumber: 100,
		Index:       0,
	}

	if err := idx.handleLog(context.Background(), log); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.op(42).created != 1 {
		t.Fatalf("expected 1 record created, got %d", store.op(42).created)
	}
}

func TestHandleLog_VoteReplayIsIdempotent(t *testing.T) {
	pool := common.HexToAddress("0xaa")
	voter := common.HexToAddress("0xcc")
	store := newFakeStore()
	idx := newTestIndexer(t, &fakeChain{}, store, NewRegistry())

	log := voteCastLog(t, pool, 42, voter, true, 100, 3)

	// Redelivered log, applied twice
	if err := idx.handleLog(context.Background(), log); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := idx.handleLog(context.Background(), log); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	op := store.op(42)
	if op.yes != 1 {
		t.Errorf("expected yes count 1 after replay, got %d", op.yes)
	}
	if op.total != 1 {
		t.Errorf("expected total 1 after replay, got %d", op.total)
	}
}

func TestHandleLog_VoteRevocationDecrements(t *testing.T) {
	pool := common.HexToAddress("0xaa")
	voter := common.HexToAddress("0xcc")
	store := newFakeStore()
	idx := newTestIndexer(t, &fakeChain{}, store, NewRegistry())

	cast := voteCastLog(t, pool, 42, voter, true, 100, 3)
	if err := idx.handleLog(context.Background(), cast); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	revoke := types.Log{
		Address:     pool,
		Topics:      []common.Hash{contracts.VoteRevokedEventABIHash, common.BigToHash(big.NewInt(42)), common.BytesToHash(voter.Bytes())},
		Data:        packEventData(t, "VoteRevoked", true),
		BlockNumber: 101,
		Index:       0,
	}
	if err := idx.handleLog(context.Background(), revoke); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	op := store.op(42)
	if op.yes != 0 || op.total != 0 {
		t.Errorf("expected counters back to zero, got yes=%d total=%d", op.yes, op.total)
	}
}

func TestHandleLog_FundsWithdrawn(t *testing.T) {
	pool := common.HexToAddress("0xaa")
	store := newFakeStore()
	idx := newTestIndexer(t, &fakeChain{}, store, NewRegistry())

	log := types.Log{
		Address: pool,
		Topics: []common.Hash{
			contracts.FundsWithdrawnEventABIHash,
			common.BigToHash(big.NewInt(42)),
			common.BytesToHash(common.HexToAddress("0xbb").Bytes()),
		},
		Data:        packEventData(t, "FundsWithdrawn", big.NewInt(1000)),
		BlockNumber: 200,
		Index:       1,
	}

	if err := idx.handleLog(context.Background(), log); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !store.op(42).withdrawn {
		t.Error("expected operation marked withdrawn")
	}
}

func TestHandleLog_UnknownTopicIgnored(t *testing.T) {
	store := newFakeStore()
	idx := newTestIndexer(t, &fakeChain{}, store, NewRegistry())

	log := types.Log{
		Address: common.HexToAddress("0xaa"),
		Topics:  []common.Hash{common.HexToHash("0xdead")},
	}
	if err := idx.handleLog(context.Background(), log); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.ops) != 0 {
		t.Error("unknown topic must not touch the store")
	}
}

func TestIndexBatch_SkipsRemovedAddress(t *testing.T) {
	tracked := common.HexToAddress("0xaa")
	removed := common.HexToAddress("0xbb")
	voter := common.HexToAddress("0xcc")

	registry := NewRegistry()
	registry.Add(tracked)

	store := newFakeStore()
	chain := &fakeChain{logs: []types.Log{
		voteCastLog(t, tracked, 1, voter, true, 100, 0),
		voteCastLog(t, removed, 2, voter, true, 100, 1),
	}}
	idx := newTestIndexer(t, chain, store, registry)

	if err := idx.indexBatch(context.Background(), registry.List(), 100, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.op(1).total != 1 {
		t.Error("expected tracked pool's vote applied")
	}
	if op, ok := store.ops[2]; ok && op.total != 0 {
		t.Error("removed pool's vote must be dropped")
	}
}

func TestLogCursor_Ordering(t *testing.T) {
	a := logCursor(types.Log{BlockNumber: 5, Index: 3})
	b := logCursor(types.Log{BlockNumber: 5, Index: 4})
	c := logCursor(types.Log{BlockNumber: 6, Index: 0})

	if !(a < b && b < c) {
		t.Errorf("cursor ordering broken: %d %d %d", a, b, c)
	}
}
