package registry

import (
	"fmt"
	"strings"
)

// Identity is an opaque account reference on the hosting ledger.
type Identity string

// ZeroIdentity is the sentinel "unset" identity.
const ZeroIdentity Identity = ""

// IsZero reports whether id is the unset identity.
func (id Identity) IsZero() bool { return id == ZeroIdentity }

// AssetID references a ledger asset. Zero means no asset.
type AssetID uint64

// Status is the review lifecycle position of a project slot.
type Status uint8

const (
	StatusNone Status = iota
	StatusPending
	StatusVerified
	StatusRejected
	StatusIssued
)

var statusNames = [...]string{"none", "pending", "verified", "rejected", "issued"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool { return s <= StatusIssued }

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusRejected || s == StatusIssued }

// MarshalText encodes s by name, e.g. "pending".
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", name)
}

// Project is one registry slot.
type Project struct {
	Submitter Identity `json:"submitter"`
	Name      string   `json:"name"`
	Location  string   `json:"location"`
	Ecosystem string   `json:"ecosystem"`
	CID       string   `json:"cid"`
	Status    Status   `json:"status"`
	Credits   uint64   `json:"credits"`
}

// Listing is one marketplace slot. While Active the contract holds Amount
// units of the credit asset on the seller's behalf.
type Listing struct {
	Seller       Identity `json:"seller"`
	Amount       uint64   `json:"amount"`
	PricePerUnit uint64   `json:"price_per_unit"`
	Active       bool     `json:"active"`
}

// AssetParams describes the fungible credit asset requested on first ensure_token.
type AssetParams struct {
	Total         uint64   `json:"total"`
	Decimals      uint32   `json:"decimals"`
	DefaultFrozen bool     `json:"default_frozen"`
	UnitName      string   `json:"unit_name"`
	Name          string   `json:"name"`
	URL           string   `json:"url"`
	Manager       Identity `json:"manager"`
	Reserve       Identity `json:"reserve"`
	Freeze        Identity `json:"freeze"`
	Clawback      Identity `json:"clawback"`
}

// Config holds the contract constants.
type Config struct {
	ProjectCapacity int
	ListingCapacity int
	TokenSupply     uint64
	TokenDecimals   uint32
	TokenUnitName   string
	TokenName       string
	TokenURL        string
}

const (
	DefaultProjectCapacity = 4
	DefaultListingCapacity = 4
	DefaultTokenSupply     = 10_000_000
)

// DefaultConfig returns the production contract constants.
func DefaultConfig() Config {
	return Config{
		ProjectCapacity: DefaultProjectCapacity,
		ListingCapacity: DefaultListingCapacity,
		TokenSupply:     DefaultTokenSupply,
		TokenDecimals:   0,
		TokenUnitName:   "AARNA",
		TokenName:       "Aarna Carbon Credit",
		TokenURL:        "https://aarna.eco",
	}
}

func (c Config) validate() error {
	if c.ProjectCapacity <= 0 || c.ListingCapacity <= 0 {
		return fmt.Errorf("%w: capacities must be positive", ErrInvalidArgument)
	}
	if c.TokenSupply == 0 {
		return fmt.Errorf("%w: token supply must be positive", ErrInvalidArgument)
	}
	return nil
}
