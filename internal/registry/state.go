package registry

import "fmt"

// State is the contract storage: role identities, the credit asset handle,
// the project and listing slots and the issuance counter. Operations are
// methods on *State; each validates completely before mutating anything so a
// rejected call leaves the state untouched.
type State struct {
	cfg Config

	self      Identity
	admin     Identity
	validator Identity
	asset     AssetID

	projects []Project
	listings []Listing

	totalCreditsIssued uint64
}

// Snapshot is the persisted form of State.
type Snapshot struct {
	Self               Identity  `json:"self"`
	Admin              Identity  `json:"admin"`
	Validator          Identity  `json:"validator"`
	Asset              AssetID   `json:"asset_id"`
	Projects           []Project `json:"projects"`
	Listings           []Listing `json:"listings"`
	TotalCreditsIssued uint64    `json:"total_credits_issued"`
}

// Create is the contract creation call. The creator becomes admin, the
// validator stays unset and self is the contract's custodial account.
func Create(creator, self Identity, cfg Config) (*State, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if creator.IsZero() {
		return nil, fmt.Errorf("%w: creator is the zero identity", ErrInvalidArgument)
	}
	if self.IsZero() {
		return nil, fmt.Errorf("%w: contract account is the zero identity", ErrInvalidArgument)
	}
	return &State{
		cfg:      cfg,
		self:     self,
		admin:    creator,
		projects: make([]Project, 0, cfg.ProjectCapacity),
		listings: make([]Listing, 0, cfg.ListingCapacity),
	}, nil
}

// Restore rebuilds a State from persisted storage and checks it against cfg.
func Restore(cfg Config, snap Snapshot) (*State, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if snap.Self.IsZero() || snap.Admin.IsZero() {
		return nil, fmt.Errorf("%w: snapshot missing contract or admin account", ErrInvalidArgument)
	}
	if len(snap.Projects) > cfg.ProjectCapacity || len(snap.Listings) > cfg.ListingCapacity {
		return nil, fmt.Errorf("%w: snapshot exceeds configured capacity", ErrCapacityExceeded)
	}
	var issued uint64
	for i, p := range snap.Projects {
		if p.Status == StatusNone || !p.Status.Valid() {
			return nil, fmt.Errorf("%w: project %d has status %s", ErrInvalidState, i, p.Status)
		}
		if p.Status == StatusIssued {
			issued += p.Credits
		}
	}
	if issued != snap.TotalCreditsIssued {
		return nil, fmt.Errorf("%w: issued total %d does not match projects (%d)",
			ErrInvalidState, snap.TotalCreditsIssued, issued)
	}
	st := &State{
		cfg:                cfg,
		self:               snap.Self,
		admin:              snap.Admin,
		validator:          snap.Validator,
		asset:              snap.Asset,
		projects:           make([]Project, len(snap.Projects), cfg.ProjectCapacity),
		listings:           make([]Listing, len(snap.Listings), cfg.ListingCapacity),
		totalCreditsIssued: snap.TotalCreditsIssued,
	}
	copy(st.projects, snap.Projects)
	copy(st.listings, snap.Listings)
	return st, nil
}

// Snapshot returns a copy of the persisted fields.
func (s *State) Snapshot() Snapshot {
	out := Snapshot{
		Self:               s.self,
		Admin:              s.admin,
		Validator:          s.validator,
		Asset:              s.asset,
		Projects:           make([]Project, len(s.projects)),
		Listings:           make([]Listing, len(s.listings)),
		TotalCreditsIssued: s.totalCreditsIssued,
	}
	copy(out.Projects, s.projects)
	copy(out.Listings, s.listings)
	return out
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	c := *s
	c.projects = make([]Project, len(s.projects), cap(s.projects))
	copy(c.projects, s.projects)
	c.listings = make([]Listing, len(s.listings), cap(s.listings))
	copy(c.listings, s.listings)
	return &c
}

// Config returns the constants the contract was created with.
func (s *State) Config() Config { return s.cfg }

func (s *State) Self() Identity      { return s.self }
func (s *State) Admin() Identity     { return s.admin }
func (s *State) Validator() Identity { return s.validator }

// AssetID returns the credit asset handle, or zero when not created yet.
func (s *State) AssetID() AssetID { return s.asset }

func (s *State) HasAsset() bool { return s.asset != 0 }

func (s *State) ProjectCount() int          { return len(s.projects) }
func (s *State) ListingCount() int          { return len(s.listings) }
func (s *State) TotalCreditsIssued() uint64 { return s.totalCreditsIssued }

// Project returns slot id, or ErrNotFound when id >= ProjectCount.
func (s *State) Project(id uint64) (Project, error) {
	if id >= uint64(len(s.projects)) {
		return Project{}, fmt.Errorf("%w: project %d", ErrNotFound, id)
	}
	return s.projects[id], nil
}

// Listing returns slot id, or ErrNotFound when id >= ListingCount.
func (s *State) Listing(id uint64) (Listing, error) {
	if id >= uint64(len(s.listings)) {
		return Listing{}, fmt.Errorf("%w: listing %d", ErrNotFound, id)
	}
	return s.listings[id], nil
}

func (s *State) Projects() []Project {
	out := make([]Project, len(s.projects))
	copy(out, s.projects)
	return out
}

func (s *State) Listings() []Listing {
	out := make([]Listing, len(s.listings))
	copy(out, s.listings)
	return out
}

// ActiveListings counts listings whose tokens are still in custody.
func (s *State) ActiveListings() int {
	n := 0
	for _, l := range s.listings {
		if l.Active {
			n++
		}
	}
	return n
}

// Escrowed sums the credit units currently held in custody for active listings.
func (s *State) Escrowed() uint64 {
	var total uint64
	for _, l := range s.listings {
		if l.Active {
			total += l.Amount
		}
	}
	return total
}
