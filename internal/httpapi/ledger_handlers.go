package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"aarna.eco/internal/ledger"
)

type balanceResponse struct {
	Address string         `json:"address"`
	Asset   ledger.AssetID `json:"asset"`
	Amount  uint64         `json:"amount"`
}

type listTransactionsResponse struct {
	Items     []ledger.Transaction `json:"items"`
	NextAfter uint64               `json:"next_after"`
	AsOf      time.Time            `json:"as_of"`
}

type faucetRequest struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	if !a.get(w, r) {
		return
	}
	addr := strings.TrimSpace(r.PathValue("address"))
	var asset ledger.AssetID
	if raw := strings.TrimSpace(r.URL.Query().Get("asset")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "asset must be a non-negative integer")
			return
		}
		asset = ledger.AssetID(v)
	}
	amount, err := a.host.Ledger().Balance(r.Context(), ledger.Address(addr), asset)
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Address: addr, Asset: asset, Amount: amount})
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if !a.get(w, r) {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}
	items, next, err := a.host.Ledger().ListTransactions(r.Context(), limit, after)
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{Items: items, NextAfter: next, AsOf: time.Now().UTC()})
}

// handleFaucet credits native currency for local testing.
func (a *API) handleFaucet(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.post(w, r); !ok {
		return
	}
	if !a.opts.Faucet {
		writeError(w, r, http.StatusNotFound, "faucet disabled")
		return
	}
	var req faucetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	addr := strings.TrimSpace(req.Address)
	if addr == "" {
		writeError(w, r, http.StatusBadRequest, "address is required")
		return
	}
	if req.Amount == 0 || (a.opts.FaucetMax > 0 && req.Amount > a.opts.FaucetMax) {
		writeError(w, r, http.StatusBadRequest, "amount must be between 1 and "+itoa(a.opts.FaucetMax))
		return
	}
	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}
	tx, err := a.host.Ledger().Fund(r.Context(), ledger.Address(addr), req.Amount, idem)
	if err != nil {
		handleContractError(w, r, err)
		return
	}
	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}
	writeJSON(w, http.StatusCreated, tx)
}
