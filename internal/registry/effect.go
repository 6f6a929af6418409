package registry

// EffectKind enumerates the outbound requests an operation can make of the host ledger.
type EffectKind uint8

const (
	EffectCreateAsset EffectKind = iota + 1
	EffectAssetTransfer
	EffectPayment
)

func (k EffectKind) String() string {
	switch k {
	case EffectCreateAsset:
		return "create_asset"
	case EffectAssetTransfer:
		return "asset_transfer"
	case EffectPayment:
		return "payment"
	default:
		return "unknown"
	}
}

// Effect is an external transfer the host must execute in the same atomic
// step as the state change that produced it. Transfers out of custody have
// From set to the contract account.
type Effect struct {
	Kind   EffectKind
	From   Identity
	To     Identity
	Asset  AssetID
	Amount uint64
	Params *AssetParams
}

// Payment is a native-currency transaction attached to a call.
type Payment struct {
	Sender   Identity `json:"sender"`
	Receiver Identity `json:"receiver"`
	Amount   uint64   `json:"amount"`
}

// AssetTransfer is an asset transaction attached to a call.
type AssetTransfer struct {
	Sender   Identity `json:"sender"`
	Receiver Identity `json:"receiver"`
	Asset    AssetID  `json:"asset"`
	Amount   uint64   `json:"amount"`
}

// Call is the inbound invocation context: who is calling and which group
// transactions accompany the call. Attachments are executed by the host
// before the operation's own effects.
type Call struct {
	Caller        Identity
	Payment       *Payment
	AssetTransfer *AssetTransfer
}

// From builds a call context with no attachments.
func From(caller Identity) Call { return Call{Caller: caller} }
