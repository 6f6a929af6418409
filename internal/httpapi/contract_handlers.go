package httpapi

import (
	"net/http"
	"strings"

	"aarna.eco/internal/host"
	"aarna.eco/internal/registry"
)

type callResponse struct {
	Receipt   host.Receipt      `json:"receipt"`
	ProjectID *uint64           `json:"project_id,omitempty"`
	ListingID *uint64           `json:"listing_id,omitempty"`
	AssetID   *registry.AssetID `json:"asset_id,omitempty"`
	Credits   *uint64           `json:"credits,omitempty"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type transferAdminRequest struct {
	NewAdmin string `json:"new_admin"`
}

// post checks the method and resolves the caller. It writes the error
// response itself and returns false when the request cannot proceed.
func (a *API) post(w http.ResponseWriter, r *http.Request) (registry.Identity, bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return "", false
	}
	if a.host == nil {
		writeError(w, r, http.StatusServiceUnavailable, "contract host unavailable")
		return "", false
	}
	who, ok := caller(r)
	if !ok {
		unauthorized(w, r, "authentication required")
		return "", false
	}
	return who, true
}

func (a *API) get(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return false
	}
	if a.host == nil {
		writeError(w, r, http.StatusServiceUnavailable, "contract host unavailable")
		return false
	}
	return true
}

func (a *API) handleContract(w http.ResponseWriter, r *http.Request) {
	if !a.get(w, r) {
		return
	}
	sum, err := a.host.Summary()
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleDeploy(w http.ResponseWriter, r *http.Request) {
	who, ok := a.post(w, r)
	if !ok {
		return
	}
	rcpt, err := a.host.Deploy(r.Context(), who)
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, callResponse{Receipt: rcpt})
}

func (a *API) handleSetValidator(w http.ResponseWriter, r *http.Request) {
	who, ok := a.post(w, r)
	if !ok {
		return
	}
	var req addressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rcpt, err := a.host.SetValidator(r.Context(), registry.From(who), registry.Identity(strings.TrimSpace(req.Address)))
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Receipt: rcpt})
}

func (a *API) handleTransferAdmin(w http.ResponseWriter, r *http.Request) {
	who, ok := a.post(w, r)
	if !ok {
		return
	}
	var req transferAdminRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rcpt, err := a.host.TransferAdmin(r.Context(), registry.From(who), registry.Identity(strings.TrimSpace(req.NewAdmin)))
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Receipt: rcpt})
}

func (a *API) handleEnsureToken(w http.ResponseWriter, r *http.Request) {
	who, ok := a.post(w, r)
	if !ok {
		return
	}
	asset, rcpt, err := a.host.EnsureToken(r.Context(), registry.From(who))
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Receipt: rcpt, AssetID: &asset})
}

type submitProjectRequest struct {
	Name      string `json:"name"`
	Location  string `json:"location"`
	Ecosystem string `json:"ecosystem"`
	CID       string `json:"cid"`
}

type approveRequest struct {
	Credits uint64 `json:"credits"`
}

type projectView struct {
	ID uint64 `json:"id"`
	registry.Project
}

func (a *API) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.get(w, r) {
			return
		}
		projects, err := a.host.Projects()
		if err != nil {
			handleContractError(w, r, err)
			return
		}
		items := make([]projectView, len(projects))
		for i, p := range projects {
			items[i] = projectView{ID: uint64(i), Project: p}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		a.submitProject(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) submitProject(w http.ResponseWriter, r *http.Request) {
	who, ok := a.post(w, r)
	if !ok {
		return
	}
	var req submitProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, rcpt, err := a.host.SubmitProject(r.Context(), registry.From(who), host.ProjectInput(req))
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/projects/"+itoa(id))
	writeJSON(w, http.StatusCreated, callResponse{Receipt: rcpt, ProjectID: &id})
}

func (a *API) handleProject(w http.ResponseWriter, r *http.Request) {
	if !a.get(w, r) {
		return
	}
	id, err := pathIndex(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.host.Project(id)
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projectView{ID: id, Project: p})
}

func (a *API) handleProjectAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	if action != "approve" && action != "reject" && action != "issue" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	who, ok := a.post(w, r)
	if !ok {
		return
	}
	id, err := pathIndex(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	call := registry.From(who)

	var resp callResponse
	switch action {
	case "approve":
		var req approveRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		resp.Receipt, err = a.host.ApproveProject(r.Context(), call, id, req.Credits)
		resp.Credits = &req.Credits
	case "reject":
		resp.Receipt, err = a.host.RejectProject(r.Context(), call, id)
	case "issue":
		var n uint64
		n, resp.Receipt, err = a.host.IssueCredits(r.Context(), call, id)
		resp.Credits = &n
	}
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	resp.ProjectID = &id
	writeJSON(w, http.StatusOK, resp)
}

type escrowBody struct {
	AssetID  uint64 `json:"asset_id"`
	Amount   uint64 `json:"amount"`
	Receiver string `json:"receiver"`
}

type listRequest struct {
	Amount       uint64      `json:"amount"`
	PricePerUnit uint64      `json:"price_per_unit"`
	Escrow       *escrowBody `json:"escrow"`
}

type paymentBody struct {
	Amount   uint64 `json:"amount"`
	Receiver string `json:"receiver"`
}

type buyRequest struct {
	Payment *paymentBody `json:"payment"`
}

// listingView omits total_cost and sets cost_overflow when amount*price does
// not fit in uint64; such a listing can only be cancelled.
type listingView struct {
	ID uint64 `json:"id"`
	registry.Listing
	TotalCost    *uint64 `json:"total_cost,omitempty"`
	CostOverflow bool    `json:"cost_overflow,omitempty"`
}

func newListingView(id uint64, l registry.Listing) listingView {
	v := listingView{ID: id, Listing: l}
	cost, err := registry.TotalCost(l.Amount, l.PricePerUnit)
	if err != nil {
		v.CostOverflow = true
		return v
	}
	v.TotalCost = &cost
	return v
}

func (a *API) handleListings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.get(w, r) {
			return
		}
		listings, err := a.host.Listings()
		if err != nil {
			handleContractError(w, r, err)
			return
		}
		activeOnly := r.URL.Query().Get("active") == "true"
		items := make([]listingView, 0, len(listings))
		for i, l := range listings {
			if activeOnly && !l.Active {
				continue
			}
			items = append(items, newListingView(uint64(i), l))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		a.listForSale(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listForSale(w http.ResponseWriter, r *http.Request) {
	who, ok := a.post(w, r)
	if !ok {
		return
	}
	var req listRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	call := registry.From(who)
	if req.Escrow != nil {
		call.AssetTransfer = &registry.AssetTransfer{
			Sender:   who,
			Receiver: registry.Identity(strings.TrimSpace(req.Escrow.Receiver)),
			Asset:    registry.AssetID(req.Escrow.AssetID),
			Amount:   req.Escrow.Amount,
		}
	}
	id, rcpt, err := a.host.ListForSale(r.Context(), call, req.Amount, req.PricePerUnit)
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/listings/"+itoa(id))
	writeJSON(w, http.StatusCreated, callResponse{Receipt: rcpt, ListingID: &id})
}

func (a *API) handleListing(w http.ResponseWriter, r *http.Request) {
	if !a.get(w, r) {
		return
	}
	id, err := pathIndex(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	l, err := a.host.Listing(id)
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingView(id, l))
}

func (a *API) handleListingAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	if action != "buy" && action != "cancel" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	who, ok := a.post(w, r)
	if !ok {
		return
	}
	id, err := pathIndex(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	call := registry.From(who)

	var rcpt host.Receipt
	switch action {
	case "buy":
		var req buyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.Payment != nil {
			call.Payment = &registry.Payment{
				Sender:   who,
				Receiver: registry.Identity(strings.TrimSpace(req.Payment.Receiver)),
				Amount:   req.Payment.Amount,
			}
		}
		rcpt, err = a.host.BuyListing(r.Context(), call, id)
	case "cancel":
		rcpt, err = a.host.CancelListing(r.Context(), call, id)
	}
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Receipt: rcpt, ListingID: &id})
}
