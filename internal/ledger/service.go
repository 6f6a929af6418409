package ledger

import (
	"context"
	"math/bits"
	"sync"
	"time"
)

// Service defines the hosting ledger operations.
type Service interface {
	Fund(ctx context.Context, to Address, amount uint64, idemKey string) (Transaction, error)
	Balance(ctx context.Context, addr Address, asset AssetID) (uint64, error)
	Asset(ctx context.Context, id AssetID) (AssetParams, error)
	ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]Transaction, uint64, error)
}

// Tx applies a batch of ops that become visible together on Commit.
type Tx interface {
	Apply(ctx context.Context, ops ...Op) ([]Transaction, error)
	Commit() error
	Rollback() error
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu        sync.RWMutex
	balances  map[Address]map[AssetID]uint64
	assets    map[AssetID]AssetParams
	nextAsset AssetID
	seq       uint64
	txs       []Transaction
	idem      map[string]Transaction // idemKey -> tx
}

// NewInMemory creates a fresh ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		balances:  make(map[Address]map[AssetID]uint64),
		assets:    make(map[AssetID]AssetParams),
		nextAsset: FirstAssetID,
		idem:      make(map[string]Transaction),
	}
}

// Fund credits native currency to an account. Replays with the same key
// return the original transaction.
func (s *InMemory) Fund(ctx context.Context, to Address, amount uint64, idemKey string) (Transaction, error) {
	if to == "" {
		return Transaction{}, ErrInvalidAddress
	}
	if amount == 0 {
		return Transaction{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if idemKey != "" {
		if tx, ok := s.idem[idemKey]; ok {
			return tx, nil
		}
	}
	v := s.view()
	if err := v.credit(to, NativeAsset, amount); err != nil {
		return Transaction{}, err
	}
	v.apply()
	tx := s.record(Transaction{Kind: OpFund, Receiver: to, Asset: NativeAsset, Amount: amount, IdempotencyKey: idemKey})
	if idemKey != "" {
		s.idem[idemKey] = tx
	}
	return tx, nil
}

func (s *InMemory) Balance(ctx context.Context, addr Address, asset AssetID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if asset != NativeAsset {
		if _, ok := s.assets[asset]; !ok {
			return 0, ErrUnknownAsset
		}
	}
	return s.balances[addr][asset], nil
}

func (s *InMemory) Asset(ctx context.Context, id AssetID) (AssetParams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.assets[id]
	if !ok {
		return AssetParams{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemory) ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transaction
	var last uint64
	for _, tx := range s.txs {
		if tx.Sequence <= afterSeq {
			continue
		}
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// Begin opens a batch. The ledger stays write-locked until Commit or Rollback.
func (s *InMemory) Begin(ctx context.Context) (*MemTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &MemTx{s: s, v: s.view(), nextAsset: s.nextAsset}, nil
}

func (s *InMemory) record(tx Transaction) Transaction {
	s.seq++
	tx.ID = newID()
	tx.CreatedAt = time.Now().UTC()
	tx.Sequence = s.seq
	s.txs = append(s.txs, tx)
	return tx
}

// MemTx is an InMemory batch. Ops are staged against an overlay of touched
// balances and written through only on Commit.
type MemTx struct {
	s         *InMemory
	v         *view
	nextAsset AssetID
	assets    []createdAsset
	staged    []Transaction
	done      bool
}

type createdAsset struct {
	id     AssetID
	params AssetParams
}

var _ Tx = (*MemTx)(nil)

// Apply stages ops in order. If any op fails nothing from this call is
// staged and the error is returned; earlier successful Apply calls remain.
func (t *MemTx) Apply(ctx context.Context, ops ...Op) ([]Transaction, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	overlay := t.v.fork()
	nextAsset := t.nextAsset
	var created []createdAsset
	out := make([]Transaction, 0, len(ops))
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
		tx := Transaction{Kind: op.Kind, Sender: op.Sender, Receiver: op.Receiver, Asset: op.Asset, Amount: op.Amount}
		switch op.Kind {
		case OpAssetConfig:
			id := nextAsset
			nextAsset++
			params := *op.Params
			params.Creator = op.Sender
			created = append(created, createdAsset{id: id, params: params})
			if err := overlay.credit(op.Sender, id, params.Total); err != nil {
				return nil, err
			}
			tx.Asset = id
			tx.Amount = params.Total
			tx.CreatedAsset = id
		default:
			if op.Kind == OpAssetTransfer && !t.assetKnown(op.Asset, created) {
				return nil, ErrUnknownAsset
			}
			if err := overlay.debit(op.Sender, op.Asset, op.Amount); err != nil {
				return nil, err
			}
			if err := overlay.credit(op.Receiver, op.Asset, op.Amount); err != nil {
				return nil, err
			}
		}
		tx.ID = newID()
		tx.CreatedAt = time.Now().UTC()
		tx.Sequence = t.s.seq + uint64(len(t.staged)+len(out)) + 1
		out = append(out, tx)
	}
	t.v = overlay
	t.nextAsset = nextAsset
	t.assets = append(t.assets, created...)
	t.staged = append(t.staged, out...)
	return out, nil
}

func (t *MemTx) assetKnown(id AssetID, pending []createdAsset) bool {
	if _, ok := t.s.assets[id]; ok {
		return true
	}
	for _, a := range t.assets {
		if a.id == id {
			return true
		}
	}
	for _, a := range pending {
		if a.id == id {
			return true
		}
	}
	return false
}

// Commit writes the staged balances and transactions and releases the ledger.
func (t *MemTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.s.mu.Unlock()
	t.v.apply()
	for _, a := range t.assets {
		t.s.assets[a.id] = a.params
	}
	t.s.nextAsset = t.nextAsset
	t.s.txs = append(t.s.txs, t.staged...)
	t.s.seq += uint64(len(t.staged))
	return nil
}

// Rollback discards staged ops. Calling it after Commit is a no-op.
func (t *MemTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

type balanceKey struct {
	addr  Address
	asset AssetID
}

// view is a copy-on-write overlay over the committed balances.
type view struct {
	base    map[Address]map[AssetID]uint64
	changed map[balanceKey]uint64
}

func (s *InMemory) view() *view {
	return &view{base: s.balances, changed: make(map[balanceKey]uint64)}
}

func (v *view) fork() *view {
	c := &view{base: v.base, changed: make(map[balanceKey]uint64, len(v.changed))}
	for k, amt := range v.changed {
		c.changed[k] = amt
	}
	return c
}

func (v *view) get(addr Address, asset AssetID) uint64 {
	if amt, ok := v.changed[balanceKey{addr, asset}]; ok {
		return amt
	}
	return v.base[addr][asset]
}

func (v *view) credit(addr Address, asset AssetID, amount uint64) error {
	sum, carry := bits.Add64(v.get(addr, asset), amount, 0)
	if carry != 0 {
		return ErrBalanceOverflow
	}
	v.changed[balanceKey{addr, asset}] = sum
	return nil
}

func (v *view) debit(addr Address, asset AssetID, amount uint64) error {
	bal := v.get(addr, asset)
	if bal < amount {
		return ErrInsufficientFunds
	}
	v.changed[balanceKey{addr, asset}] = bal - amount
	return nil
}

// apply writes the overlay into the base maps. Caller holds the write lock.
func (v *view) apply() {
	for k, amt := range v.changed {
		accts, ok := v.base[k.addr]
		if !ok {
			accts = make(map[AssetID]uint64)
			v.base[k.addr] = accts
		}
		accts[k.asset] = amt
	}
}
