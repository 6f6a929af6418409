package host

import (
	"context"

	"aarna.eco/internal/obs"
	"aarna.eco/internal/registry"
)

// ProjectInput carries the descriptive fields of a submission.
type ProjectInput struct {
	Name      string `json:"name"`
	Location  string `json:"location"`
	Ecosystem string `json:"ecosystem"`
	CID       string `json:"cid"`
}

func (h *Host) SetValidator(ctx context.Context, call registry.Call, addr registry.Identity) (Receipt, error) {
	rcpt, _, err := h.invoke(ctx, "set_validator", call, map[string]any{"validator": string(addr)},
		func(st *registry.State) ([]registry.Effect, error) {
			return nil, st.SetValidator(call, addr)
		})
	return rcpt, err
}

func (h *Host) TransferAdmin(ctx context.Context, call registry.Call, newAdmin registry.Identity) (Receipt, error) {
	rcpt, _, err := h.invoke(ctx, "transfer_admin", call, map[string]any{"new_admin": string(newAdmin)},
		func(st *registry.State) ([]registry.Effect, error) {
			return nil, st.TransferAdmin(call, newAdmin)
		})
	return rcpt, err
}

// EnsureToken creates the credit asset on first use and returns its id.
func (h *Host) EnsureToken(ctx context.Context, call registry.Call) (registry.AssetID, Receipt, error) {
	fields := map[string]any{}
	rcpt, next, err := h.invoke(ctx, "ensure_token", call, fields,
		func(st *registry.State) ([]registry.Effect, error) {
			asset, effects, err := st.EnsureToken(call)
			if err == nil && asset != 0 {
				fields["asset_id"] = uint64(asset)
			}
			return effects, err
		})
	if err != nil {
		return 0, Receipt{}, err
	}
	return next.AssetID(), rcpt, nil
}

func (h *Host) SubmitProject(ctx context.Context, call registry.Call, in ProjectInput) (uint64, Receipt, error) {
	var id uint64
	rcpt, _, err := h.invoke(ctx, "submit_project", call, map[string]any{"name": in.Name},
		func(st *registry.State) ([]registry.Effect, error) {
			var err error
			id, err = st.SubmitProject(call, in.Name, in.Location, in.Ecosystem, in.CID)
			return nil, err
		})
	if err != nil {
		return 0, Receipt{}, err
	}
	return id, rcpt, nil
}

func (h *Host) ApproveProject(ctx context.Context, call registry.Call, id, credits uint64) (Receipt, error) {
	rcpt, _, err := h.invoke(ctx, "approve_project", call, map[string]any{"project": id, "amount": credits},
		func(st *registry.State) ([]registry.Effect, error) {
			return nil, st.ApproveProject(call, id, credits)
		})
	return rcpt, err
}

func (h *Host) RejectProject(ctx context.Context, call registry.Call, id uint64) (Receipt, error) {
	rcpt, _, err := h.invoke(ctx, "reject_project", call, map[string]any{"project": id},
		func(st *registry.State) ([]registry.Effect, error) {
			return nil, st.RejectProject(call, id)
		})
	return rcpt, err
}

// IssueCredits transfers the approved credits to the project's submitter.
func (h *Host) IssueCredits(ctx context.Context, call registry.Call, id uint64) (uint64, Receipt, error) {
	var issued uint64
	fields := map[string]any{"project": id}
	rcpt, _, err := h.invoke(ctx, "issue_credits", call, fields,
		func(st *registry.State) ([]registry.Effect, error) {
			var (
				effects []registry.Effect
				err     error
			)
			issued, effects, err = st.IssueCredits(call, id)
			if err == nil {
				fields["amount"] = issued
			}
			return effects, err
		})
	if err != nil {
		return 0, Receipt{}, err
	}
	obs.AddCreditsIssued(issued)
	return issued, rcpt, nil
}

// ListForSale opens a listing for tokens escrowed by call.AssetTransfer.
func (h *Host) ListForSale(ctx context.Context, call registry.Call, amount, pricePerUnit uint64) (uint64, Receipt, error) {
	var id uint64
	rcpt, _, err := h.invoke(ctx, "list_for_sale", call, map[string]any{"amount": amount, "price_per_unit": pricePerUnit},
		func(st *registry.State) ([]registry.Effect, error) {
			var err error
			id, err = st.ListForSale(call, amount, pricePerUnit)
			return nil, err
		})
	if err != nil {
		return 0, Receipt{}, err
	}
	return id, rcpt, nil
}

// BuyListing settles a listing against the payment in call.Payment.
func (h *Host) BuyListing(ctx context.Context, call registry.Call, id uint64) (Receipt, error) {
	rcpt, _, err := h.invoke(ctx, "buy_listing", call, map[string]any{"listing": id},
		func(st *registry.State) ([]registry.Effect, error) {
			return st.BuyListing(call, id)
		})
	return rcpt, err
}

func (h *Host) CancelListing(ctx context.Context, call registry.Call, id uint64) (Receipt, error) {
	rcpt, _, err := h.invoke(ctx, "cancel_listing", call, map[string]any{"listing": id},
		func(st *registry.State) ([]registry.Effect, error) {
			return st.CancelListing(call, id)
		})
	return rcpt, err
}

// Summary is the read-only view of the contract globals.
type Summary struct {
	Contract           registry.Identity `json:"contract"`
	Admin              registry.Identity `json:"admin"`
	Validator          registry.Identity `json:"validator"`
	AssetID            registry.AssetID  `json:"asset_id"`
	ProjectCount       int               `json:"project_count"`
	ProjectCapacity    int               `json:"project_capacity"`
	ListingCount       int               `json:"listing_count"`
	ListingCapacity    int               `json:"listing_capacity"`
	ActiveListings     int               `json:"active_listings"`
	Escrowed           uint64            `json:"escrowed"`
	TotalCreditsIssued uint64            `json:"total_credits_issued"`
}

func (h *Host) Summary() (Summary, error) {
	var out Summary
	err := h.view(func(st *registry.State) error {
		cfg := st.Config()
		out = Summary{
			Contract:           st.Self(),
			Admin:              st.Admin(),
			Validator:          st.Validator(),
			AssetID:            st.AssetID(),
			ProjectCount:       st.ProjectCount(),
			ProjectCapacity:    cfg.ProjectCapacity,
			ListingCount:       st.ListingCount(),
			ListingCapacity:    cfg.ListingCapacity,
			ActiveListings:     st.ActiveListings(),
			Escrowed:           st.Escrowed(),
			TotalCreditsIssued: st.TotalCreditsIssued(),
		}
		return nil
	})
	return out, err
}

func (h *Host) Project(id uint64) (registry.Project, error) {
	var p registry.Project
	err := h.view(func(st *registry.State) (err error) {
		p, err = st.Project(id)
		return err
	})
	return p, err
}

func (h *Host) Projects() ([]registry.Project, error) {
	var out []registry.Project
	err := h.view(func(st *registry.State) error {
		out = st.Projects()
		return nil
	})
	return out, err
}

func (h *Host) Listing(id uint64) (registry.Listing, error) {
	var l registry.Listing
	err := h.view(func(st *registry.State) (err error) {
		l, err = st.Listing(id)
		return err
	})
	return l, err
}

func (h *Host) Listings() ([]registry.Listing, error) {
	var out []registry.Listing
	err := h.view(func(st *registry.State) error {
		out = st.Listings()
		return nil
	})
	return out, err
}

// view runs fn on the committed state. fn must not retain st.
func (h *Host) view(fn func(st *registry.State) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == nil {
		return ErrNotDeployed
	}
	return fn(h.state)
}
