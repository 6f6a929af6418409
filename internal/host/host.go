package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aarna.eco/internal/audit"
	"aarna.eco/internal/ids"
	"aarna.eco/internal/ledger"
	"aarna.eco/internal/obs"
	"aarna.eco/internal/registry"
	"aarna.eco/internal/stream"
)

// Receipt describes one committed contract call.
type Receipt struct {
	ID           string               `json:"id"`
	Operation    string               `json:"operation"`
	Caller       registry.Identity    `json:"caller"`
	Transactions []ledger.Transaction `json:"transactions"`
	CommittedAt  time.Time            `json:"committed_at"`
}

// Host runs contract calls one at a time. Each call works on a clone of the
// current state; the clone replaces it only after the backend commits the
// call's ledger transactions and the new snapshot together.
type Host struct {
	mu      sync.Mutex
	backend Backend
	self    registry.Identity
	cfg     registry.Config
	state   *registry.State
	events  *stream.Stream
	now     func() time.Time
}

// Option configures Host.
type Option func(*Host)

// WithStream publishes an event for every committed call.
func WithStream(s *stream.Stream) Option {
	return func(h *Host) { h.events = s }
}

// WithClock overrides the clock used for receipts and metrics.
func WithClock(now func() time.Time) Option {
	return func(h *Host) {
		if now != nil {
			h.now = now
		}
	}
}

// New loads the contract from backend. A backend without a contract yields a
// Host that only accepts Deploy.
func New(ctx context.Context, backend Backend, self registry.Identity, cfg registry.Config, opts ...Option) (*Host, error) {
	if backend == nil {
		return nil, errors.New("host: backend is required")
	}
	if self.IsZero() {
		return nil, fmt.Errorf("host: %w: contract account is the zero identity", registry.ErrInvalidArgument)
	}
	h := &Host{backend: backend, self: self, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}

	snap, err := backend.LoadState(ctx)
	switch {
	case errors.Is(err, ErrNotDeployed):
		return h, nil
	case err != nil:
		return nil, fmt.Errorf("host: load state: %w", err)
	}
	if snap.Self != self {
		return nil, fmt.Errorf("host: stored contract account %q does not match %q", snap.Self, self)
	}
	st, err := registry.Restore(cfg, snap)
	if err != nil {
		return nil, fmt.Errorf("host: restore state: %w", err)
	}
	h.state = st
	obs.SetActiveListings(st.ActiveListings())
	return h, nil
}

// Ledger exposes the settlement ledger for balance and history reads.
func (h *Host) Ledger() ledger.Service { return h.backend }

func (h *Host) Self() registry.Identity { return h.self }

// Deployed reports whether Deploy has committed.
func (h *Host) Deployed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state != nil
}

// Deploy creates the contract with creator as admin.
func (h *Host) Deploy(ctx context.Context, creator registry.Identity) (Receipt, error) {
	start := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()

	rcpt, err := h.deployLocked(ctx, creator)
	h.finish(ctx, "deploy", creator, start, rcpt, err, nil)
	return rcpt, err
}

func (h *Host) deployLocked(ctx context.Context, creator registry.Identity) (Receipt, error) {
	if h.state != nil {
		return Receipt{}, ErrAlreadyDeployed
	}
	st, err := registry.Create(creator, h.self, h.cfg)
	if err != nil {
		return Receipt{}, err
	}
	tx, err := h.backend.Begin(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.SaveState(ctx, st.Snapshot()); err != nil {
		return Receipt{}, fmt.Errorf("save state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Receipt{}, fmt.Errorf("commit: %w", err)
	}
	h.state = st
	return h.receipt("deploy", creator, nil), nil
}

// step runs op against a clone of the state. It returns the effects the
// ledger must execute.
type step func(st *registry.State) ([]registry.Effect, error)

// invoke is the single path for every state-changing call.
func (h *Host) invoke(ctx context.Context, op string, call registry.Call, fields map[string]any, fn step) (Receipt, *registry.State, error) {
	start := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()

	rcpt, next, err := h.invokeLocked(ctx, op, call, fields, fn)
	h.finish(ctx, op, call.Caller, start, rcpt, err, fields)
	return rcpt, next, err
}

// invokeLocked records a newly bound asset id in fields.
func (h *Host) invokeLocked(ctx context.Context, op string, call registry.Call, fields map[string]any, fn step) (Receipt, *registry.State, error) {
	if h.state == nil {
		return Receipt{}, nil, ErrNotDeployed
	}
	if err := checkAttachments(call); err != nil {
		return Receipt{}, nil, err
	}
	next := h.state.Clone()
	effects, err := fn(next)
	if err != nil {
		return Receipt{}, nil, err
	}

	ops := attachmentOps(call)
	attached := len(ops)
	for _, e := range effects {
		ops = append(ops, effectOp(e))
	}

	tx, err := h.backend.Begin(ctx)
	if err != nil {
		return Receipt{}, nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var txs []ledger.Transaction
	if len(ops) > 0 {
		txs, err = tx.Apply(ctx, ops...)
		if err != nil {
			return Receipt{}, nil, fmt.Errorf("ledger: %w", err)
		}
	}
	for i, e := range effects {
		if e.Kind != registry.EffectCreateAsset {
			continue
		}
		if err := next.BindAsset(registry.AssetID(txs[attached+i].CreatedAsset)); err != nil {
			return Receipt{}, nil, err
		}
		if fields != nil {
			fields["asset_id"] = uint64(next.AssetID())
		}
	}
	if err := tx.SaveState(ctx, next.Snapshot()); err != nil {
		return Receipt{}, nil, fmt.Errorf("save state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Receipt{}, nil, fmt.Errorf("commit: %w", err)
	}
	h.state = next
	return h.receipt(op, call.Caller, txs), next, nil
}

func (h *Host) receipt(op string, caller registry.Identity, txs []ledger.Transaction) Receipt {
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	return Receipt{
		ID:           ids.Prefixed("rcpt"),
		Operation:    op,
		Caller:       caller,
		Transactions: txs,
		CommittedAt:  h.now().UTC(),
	}
}

// finish records metrics, the audit trail and the live event for a call.
func (h *Host) finish(ctx context.Context, op string, caller registry.Identity, start time.Time, rcpt Receipt, err error, fields map[string]any) {
	obs.ObserveCall(op, ErrorClass(err), h.now().Sub(start))
	if err != nil {
		return
	}
	if h.state != nil {
		obs.SetActiveListings(h.state.ActiveListings())
	}
	entry := map[string]any{"receipt": rcpt.ID, "transactions": len(rcpt.Transactions)}
	for k, v := range fields {
		entry[k] = v
	}
	if aerr := audit.LogEvent(ctx, "contract."+op, entry); aerr != nil {
		obs.Error("audit_failed", map[string]any{"op": op, "error": aerr.Error()})
	}
	if h.events != nil {
		evt := stream.Event{Operation: op, Caller: string(caller), Receipt: rcpt.ID, Timestamp: rcpt.CommittedAt}
		if v, ok := fields["project"].(uint64); ok {
			evt.Project = &v
		}
		if v, ok := fields["listing"].(uint64); ok {
			evt.Listing = &v
		}
		if v, ok := fields["amount"].(uint64); ok {
			evt.Amount = v
		}
		h.events.Publish(evt)
	}
}

// checkAttachments requires attached transactions to be signed by the caller.
func checkAttachments(call registry.Call) error {
	if p := call.Payment; p != nil && p.Sender != call.Caller {
		return fmt.Errorf("%w: payment must be sent by the caller", registry.ErrUnauthorized)
	}
	if a := call.AssetTransfer; a != nil && a.Sender != call.Caller {
		return fmt.Errorf("%w: asset transfer must be sent by the caller", registry.ErrUnauthorized)
	}
	return nil
}

func attachmentOps(call registry.Call) []ledger.Op {
	var ops []ledger.Op
	if a := call.AssetTransfer; a != nil {
		ops = append(ops, ledger.Op{
			Kind:     ledger.OpAssetTransfer,
			Sender:   ledger.Address(a.Sender),
			Receiver: ledger.Address(a.Receiver),
			Asset:    ledger.AssetID(a.Asset),
			Amount:   a.Amount,
		})
	}
	if p := call.Payment; p != nil {
		ops = append(ops, ledger.Op{
			Kind:     ledger.OpPayment,
			Sender:   ledger.Address(p.Sender),
			Receiver: ledger.Address(p.Receiver),
			Asset:    ledger.NativeAsset,
			Amount:   p.Amount,
		})
	}
	return ops
}

func effectOp(e registry.Effect) ledger.Op {
	switch e.Kind {
	case registry.EffectCreateAsset:
		p := e.Params
		return ledger.Op{
			Kind:   ledger.OpAssetConfig,
			Sender: ledger.Address(e.From),
			Params: &ledger.AssetParams{
				Total:         p.Total,
				Decimals:      p.Decimals,
				DefaultFrozen: p.DefaultFrozen,
				UnitName:      p.UnitName,
				Name:          p.Name,
				URL:           p.URL,
				Manager:       ledger.Address(p.Manager),
				Reserve:       ledger.Address(p.Reserve),
				Freeze:        ledger.Address(p.Freeze),
				Clawback:      ledger.Address(p.Clawback),
			},
		}
	case registry.EffectPayment:
		return ledger.Op{
			Kind:     ledger.OpPayment,
			Sender:   ledger.Address(e.From),
			Receiver: ledger.Address(e.To),
			Asset:    ledger.NativeAsset,
			Amount:   e.Amount,
		}
	default:
		return ledger.Op{
			Kind:     ledger.OpAssetTransfer,
			Sender:   ledger.Address(e.From),
			Receiver: ledger.Address(e.To),
			Asset:    ledger.AssetID(e.Asset),
			Amount:   e.Amount,
		}
	}
}

// ErrorClass maps an error to a short label for metrics and logs.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, registry.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, registry.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, registry.ErrNotFound):
		return "not_found"
	case errors.Is(err, registry.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, registry.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, registry.ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, registry.ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, registry.ErrInvalidRecipient):
		return "invalid_recipient"
	case errors.Is(err, registry.ErrOverflow):
		return "overflow"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotDeployed):
		return "not_deployed"
	case errors.Is(err, ErrAlreadyDeployed):
		return "already_deployed"
	default:
		return "error"
	}
}
