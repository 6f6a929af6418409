package host

import (
	"context"
	"errors"
	"sync"

	"aarna.eco/internal/ledger"
	"aarna.eco/internal/registry"
)

var (
	// ErrNotDeployed is returned by every call before Deploy succeeds.
	ErrNotDeployed = errors.New("contract not deployed")
	// ErrAlreadyDeployed is returned by a second Deploy.
	ErrAlreadyDeployed = errors.New("contract already deployed")
)

// Backend persists contract state next to the ledger it settles on. One Tx
// covers both, so a call's state change and its transfers commit together.
type Backend interface {
	ledger.Service
	// LoadState returns the last committed snapshot or ErrNotDeployed.
	LoadState(ctx context.Context) (registry.Snapshot, error)
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a ledger batch that also carries the contract state.
type Tx interface {
	ledger.Tx
	SaveState(ctx context.Context, snap registry.Snapshot) error
}

// Memory is an in-process Backend over ledger.InMemory.
type Memory struct {
	*ledger.InMemory

	mu   sync.RWMutex
	snap *registry.Snapshot
}

var _ Backend = (*Memory)(nil)

func NewMemory(l *ledger.InMemory) *Memory {
	if l == nil {
		l = ledger.NewInMemory()
	}
	return &Memory{InMemory: l}
}

func (m *Memory) LoadState(ctx context.Context) (registry.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return registry.Snapshot{}, ErrNotDeployed
	}
	return *m.snap, nil
}

func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	lt, err := m.InMemory.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &memoryTx{MemTx: lt, m: m}, nil
}

type memoryTx struct {
	*ledger.MemTx
	m       *Memory
	pending *registry.Snapshot
}

func (t *memoryTx) SaveState(ctx context.Context, snap registry.Snapshot) error {
	t.pending = &snap
	return nil
}

func (t *memoryTx) Commit() error {
	if err := t.MemTx.Commit(); err != nil {
		return err
	}
	if t.pending != nil {
		t.m.mu.Lock()
		t.m.snap = t.pending
		t.m.mu.Unlock()
	}
	return nil
}
