package indexer

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Subscription is the handle held for one tracked pool address.
type Subscription struct {
	Address common.Address
	AddedAt time.Time
}

// Registry owns the mutable set of pool addresses the indexer watches.
// Addresses come and go at runtime as pools are created and deleted; Add and
// Remove are its only mutators.
type Registry struct {
	mu   sync.RWMutex
	subs map[common.Address]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[common.Address]*Subscription)}
}

// Add starts tracking an address. Adding an already-tracked address is a
// no-op.
func (r *Registry) Add(address common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[address]; ok {
		return
	}
	r.subs[address] = &Subscription{Address: address, AddedAt: time.Now().UTC()}
}

// Remove detaches exactly this address's subscription. Other addresses are
// unaffected; logs for removed addresses are dropped from the next batch on.
func (r *Registry) Remove(address common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, address)
}

func (r *Registry) Contains(address common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[address]
	return ok
}

func (r *Registry) List() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addresses := make([]common.Address, 0, len(r.subs))
	for address := range r.subs {
		addresses = append(addresses, address)
	}
	return addresses
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
