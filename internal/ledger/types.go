package ledger

import (
	"errors"
	"time"

	"aarna.eco/internal/ids"
)

// Address identifies an account on the ledger. The empty address is the zero account.
type Address string

// AssetID identifies a ledger asset. NativeAsset is the chain currency, in micro-units.
type AssetID uint64

const NativeAsset AssetID = 0

// FirstAssetID is the id handed to the first created asset.
const FirstAssetID AssetID = 1001

// OpKind is the type of a ledger operation.
type OpKind string

const (
	OpAssetConfig   OpKind = "asset_config"
	OpAssetTransfer OpKind = "asset_transfer"
	OpPayment       OpKind = "payment"
	OpFund          OpKind = "fund"
)

// AssetParams are the immutable parameters of a created asset.
type AssetParams struct {
	Total         uint64  `json:"total"`
	Decimals      uint32  `json:"decimals"`
	DefaultFrozen bool    `json:"default_frozen"`
	UnitName      string  `json:"unit_name"`
	Name          string  `json:"name"`
	URL           string  `json:"url"`
	Manager       Address `json:"manager"`
	Reserve       Address `json:"reserve"`
	Freeze        Address `json:"freeze"`
	Clawback      Address `json:"clawback"`
	Creator       Address `json:"creator"`
}

// Op is one requested ledger operation. Params is set only for OpAssetConfig,
// in which case Sender is the creator and receives the full supply.
type Op struct {
	Kind     OpKind       `json:"kind"`
	Sender   Address      `json:"sender"`
	Receiver Address      `json:"receiver,omitempty"`
	Asset    AssetID      `json:"asset"`
	Amount   uint64       `json:"amount"`
	Params   *AssetParams `json:"params,omitempty"`
}

// Transaction is a committed ledger operation.
type Transaction struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	Kind           OpKind    `json:"kind"`
	Sender         Address   `json:"sender,omitempty"`
	Receiver       Address   `json:"receiver,omitempty"`
	Asset          AssetID   `json:"asset"`
	Amount         uint64    `json:"amount"`
	CreatedAsset   AssetID   `json:"created_asset,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Sequence       uint64    `json:"sequence"` // monotonic sequence number
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount (must be > 0)")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrUnknownAsset      = errors.New("unknown asset")
	ErrBalanceOverflow   = errors.New("balance overflow")
	ErrTxDone            = errors.New("transaction already committed or rolled back")
)

func newID() string {
	return ids.New()
}

// Validate checks an op in isolation, before balances are consulted.
func (op Op) Validate() error {
	if op.Sender == "" {
		return ErrInvalidAddress
	}
	switch op.Kind {
	case OpAssetConfig:
		if op.Params == nil || op.Params.Total == 0 {
			return ErrInvalidAmount
		}
	case OpAssetTransfer, OpPayment:
		if op.Receiver == "" {
			return ErrInvalidAddress
		}
		if op.Amount == 0 {
			return ErrInvalidAmount
		}
		if op.Kind == OpPayment && op.Asset != NativeAsset {
			return ErrUnknownAsset
		}
		if op.Kind == OpAssetTransfer && op.Asset == NativeAsset {
			return ErrUnknownAsset
		}
	default:
		return errors.New("unsupported op kind " + string(op.Kind))
	}
	return nil
}
