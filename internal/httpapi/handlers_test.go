package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"aarna.eco/internal/auth"
	"aarna.eco/internal/host"
	"aarna.eco/internal/registry"
	"aarna.eco/internal/stream"
)

const contractAddr = "APP"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	h, err := host.New(context.Background(), host.NewMemory(nil), contractAddr, registry.DefaultConfig())
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	signer, err := auth.NewSigner("test-secret", "aarna-test")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	api := New(Options{
		Version:     "test",
		Host:        h,
		Signer:      signer,
		Stream:      stream.New(),
		IssueTokens: true,
		Faucet:      true,
		FaucetMax:   1_000_000,
		RateBurst:   1000,
		RatePerSec:  1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

// as returns an Authorization header for address.
func (c *apiClient) as(address string, roles ...string) map[string]string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"address": address,
		"roles":   roles,
	}, nil)
	payload := decode[tokenResponse](c.t, expect(c.t, resp, http.StatusOK))
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	if payload.Address != address {
		c.t.Fatalf("token issued for %q, want %q", payload.Address, address)
	}
	return map[string]string{"Authorization": "Bearer " + payload.Token}
}

func expect(t *testing.T, r *http.Response, code int) *http.Response {
	t.Helper()
	if r.StatusCode != code {
		var body bytes.Buffer
		_, _ = body.ReadFrom(r.Body)
		r.Body.Close()
		t.Fatalf("%s %s: expected %d, got %d: %s", r.Request.Method, r.Request.URL.Path, code, r.StatusCode, body.String())
	}
	return r
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func errorCode(t *testing.T, r *http.Response) string {
	t.Helper()
	body := decode[map[string]any](t, r)
	if body["error"] == "" {
		t.Fatalf("expected error message")
	}
	code, _ := body["code"].(string)
	return code
}

func (c *apiClient) balance(address string, asset uint64) uint64 {
	c.t.Helper()
	params := url.Values{"asset": []string{itoa(asset)}}
	bal := decode[balanceResponse](c.t, expect(c.t, c.get("/v1/accounts/"+address+"/balance", params, nil), http.StatusOK))
	return bal.Amount
}

type testActors struct {
	admin, validator, dev, buyer, operator map[string]string
	asset                                  uint64
}

// deployed walks a fresh API through deploy, validator setup and token creation.
func deployed(t *testing.T, api *apiClient) testActors {
	t.Helper()
	a := testActors{
		admin:     api.as("ADMIN"),
		validator: api.as("VALIDATOR"),
		dev:       api.as("DEV"),
		buyer:     api.as("BUYER"),
		operator:  api.as("OPS", "operator"),
	}
	expect(t, api.post("/v1/contract/deploy", nil, a.admin), http.StatusCreated).Body.Close()
	expect(t, api.post("/v1/admin/validator", map[string]any{"address": "VALIDATOR"}, a.admin), http.StatusOK).Body.Close()

	resp := decode[callResponse](t, expect(t, api.post("/v1/admin/token", nil, a.admin), http.StatusOK))
	if resp.AssetID == nil || *resp.AssetID == 0 {
		t.Fatalf("expected asset id, got %+v", resp)
	}
	a.asset = uint64(*resp.AssetID)
	return a
}

func TestRegistryMarketplaceFlow(t *testing.T) {
	api := newTestAPI(t)
	a := deployed(t, api)

	if got := api.balance(contractAddr, a.asset); got != 10_000_000 {
		t.Fatalf("contract supply: got %d", got)
	}

	fund := api.post("/v1/faucet", map[string]any{"address": "BUYER", "amount": 100_000},
		map[string]string{"Authorization": a.operator["Authorization"], "Idempotency-Key": "fund-buyer"})
	expect(t, fund, http.StatusCreated).Body.Close()
	if fund.Header.Get("Idempotency-Key") != "fund-buyer" {
		t.Fatalf("missing idempotency header echo")
	}

	resp := expect(t, api.post("/v1/projects", map[string]any{
		"name":      "MangroveRestore",
		"location":  "BayArea",
		"ecosystem": "mangrove",
		"cid":       "cid123",
	}, a.dev), http.StatusCreated)
	if loc := resp.Header.Get("Location"); loc != "/v1/projects/0" {
		t.Fatalf("unexpected Location %q", loc)
	}
	submitted := decode[callResponse](t, resp)
	if submitted.ProjectID == nil || *submitted.ProjectID != 0 {
		t.Fatalf("unexpected project id: %+v", submitted)
	}

	expect(t, api.post("/v1/projects/0/approve", map[string]any{"credits": 1000}, a.validator), http.StatusOK).Body.Close()
	issued := decode[callResponse](t, expect(t, api.post("/v1/projects/0/issue", nil, a.validator), http.StatusOK))
	if issued.Credits == nil || *issued.Credits != 1000 {
		t.Fatalf("unexpected issued credits: %+v", issued)
	}
	if len(issued.Receipt.Transactions) != 1 {
		t.Fatalf("expected one ledger transaction, got %d", len(issued.Receipt.Transactions))
	}

	project := decode[map[string]any](t, expect(t, api.get("/v1/projects/0", nil, nil), http.StatusOK))
	if project["status"] != "issued" || project["credits"].(float64) != 1000 {
		t.Fatalf("unexpected project: %v", project)
	}
	if got := api.balance("DEV", a.asset); got != 1000 {
		t.Fatalf("dev credits: got %d", got)
	}

	resp = expect(t, api.post("/v1/listings", map[string]any{
		"amount":         200,
		"price_per_unit": 50,
		"escrow":         map[string]any{"asset_id": a.asset, "amount": 200, "receiver": contractAddr},
	}, a.dev), http.StatusCreated)
	if loc := resp.Header.Get("Location"); loc != "/v1/listings/0" {
		t.Fatalf("unexpected Location %q", loc)
	}
	resp.Body.Close()

	listing := decode[listingView](t, expect(t, api.get("/v1/listings/0", nil, nil), http.StatusOK))
	if !listing.Active || listing.TotalCost == nil || *listing.TotalCost != 10_000 || listing.CostOverflow {
		t.Fatalf("unexpected listing: %+v", listing)
	}

	short := api.post("/v1/listings/0/buy", map[string]any{
		"payment": map[string]any{"amount": 9_999, "receiver": contractAddr},
	}, a.buyer)
	if code := errorCode(t, expect(t, short, http.StatusConflict)); code != "insufficient_payment" {
		t.Fatalf("unexpected error code %q", code)
	}

	expect(t, api.post("/v1/listings/0/buy", map[string]any{
		"payment": map[string]any{"amount": 10_000, "receiver": contractAddr},
	}, a.buyer), http.StatusOK).Body.Close()

	if got := api.balance("BUYER", a.asset); got != 200 {
		t.Fatalf("buyer credits: got %d", got)
	}
	if got := api.balance("DEV", 0); got != 10_000 {
		t.Fatalf("seller proceeds: got %d", got)
	}
	if got := api.balance("BUYER", 0); got != 90_000 {
		t.Fatalf("buyer native balance: got %d", got)
	}

	again := api.post("/v1/listings/0/buy", map[string]any{
		"payment": map[string]any{"amount": 10_000, "receiver": contractAddr},
	}, a.buyer)
	if code := errorCode(t, expect(t, again, http.StatusConflict)); code != "invalid_state" {
		t.Fatalf("unexpected error code %q", code)
	}

	active := decode[map[string][]listingView](t, expect(t, api.get("/v1/listings", url.Values{"active": []string{"true"}}, nil), http.StatusOK))
	if len(active["items"]) != 0 {
		t.Fatalf("expected no active listings, got %d", len(active["items"]))
	}

	sum := decode[host.Summary](t, expect(t, api.get("/v1/contract", nil, nil), http.StatusOK))
	if sum.TotalCreditsIssued != 1000 || sum.ListingCount != 1 || sum.Escrowed != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	txs := decode[map[string]any](t, expect(t, api.get("/v1/ledger/transactions", url.Values{"limit": []string{"10"}}, nil), http.StatusOK))
	if txs["next_after"] == nil {
		t.Fatalf("expected pagination field present")
	}
}

func TestContractErrorsMapToStatus(t *testing.T) {
	api := newTestAPI(t)
	a := deployed(t, api)

	resp := api.post("/v1/projects/0/approve", map[string]any{"credits": 10}, a.dev)
	if code := errorCode(t, expect(t, resp, http.StatusForbidden)); code != "unauthorized" {
		t.Fatalf("unexpected error code %q", code)
	}

	resp = api.post("/v1/projects/0/approve", map[string]any{"credits": 10}, a.validator)
	if code := errorCode(t, expect(t, resp, http.StatusNotFound)); code != "not_found" {
		t.Fatalf("unexpected error code %q", code)
	}

	resp = api.get("/v1/listings/3", nil, nil)
	expect(t, resp, http.StatusNotFound).Body.Close()

	resp = api.post("/v1/contract/deploy", nil, a.admin)
	if code := errorCode(t, expect(t, resp, http.StatusConflict)); code != "already_deployed" {
		t.Fatalf("unexpected error code %q", code)
	}

	resp = api.get("/v1/projects/abc", nil, nil)
	expect(t, resp, http.StatusBadRequest).Body.Close()

	resp = api.post("/v1/projects/0/archive", nil, a.dev)
	expect(t, resp, http.StatusNotFound).Body.Close()

	resp = api.post("/v1/projects", map[string]any{"name": "x", "unknown": true}, a.dev)
	expect(t, resp, http.StatusBadRequest).Body.Close()

	for i := 0; i < 4; i++ {
		expect(t, api.post("/v1/projects", map[string]any{"name": "p"}, a.dev), http.StatusCreated).Body.Close()
	}
	resp = api.post("/v1/projects", map[string]any{"name": "fifth"}, a.dev)
	if code := errorCode(t, expect(t, resp, http.StatusConflict)); code != "capacity_exceeded" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestEscrowMustTargetContract(t *testing.T) {
	api := newTestAPI(t)
	a := deployed(t, api)

	resp := api.post("/v1/listings", map[string]any{
		"amount":         5,
		"price_per_unit": 1,
		"escrow":         map[string]any{"asset_id": a.asset, "amount": 5, "receiver": "SOMEONE"},
	}, a.dev)
	if code := errorCode(t, expect(t, resp, http.StatusBadRequest)); code != "invalid_recipient" {
		t.Fatalf("unexpected error code %q", code)
	}

	resp = api.post("/v1/listings", map[string]any{"amount": 5, "price_per_unit": 1}, a.dev)
	expect(t, resp, http.StatusBadRequest).Body.Close()
}

func TestListingCostOverflowIsReported(t *testing.T) {
	api := newTestAPI(t)
	a := deployed(t, api)

	expect(t, api.post("/v1/projects", map[string]any{"name": "Seagrass"}, a.dev), http.StatusCreated).Body.Close()
	expect(t, api.post("/v1/projects/0/approve", map[string]any{"credits": 10}, a.validator), http.StatusOK).Body.Close()
	expect(t, api.post("/v1/projects/0/issue", nil, a.validator), http.StatusOK).Body.Close()

	expect(t, api.post("/v1/listings", map[string]any{
		"amount":         10,
		"price_per_unit": uint64(1) << 63,
		"escrow":         map[string]any{"asset_id": a.asset, "amount": 10, "receiver": contractAddr},
	}, a.dev), http.StatusCreated).Body.Close()

	raw := decode[map[string]any](t, expect(t, api.get("/v1/listings/0", nil, nil), http.StatusOK))
	if _, ok := raw["total_cost"]; ok {
		t.Fatalf("total_cost must be absent when it overflows: %v", raw)
	}
	if raw["cost_overflow"] != true {
		t.Fatalf("expected cost_overflow flag: %v", raw)
	}

	list := decode[map[string][]listingView](t, expect(t, api.get("/v1/listings", nil, nil), http.StatusOK))
	if len(list["items"]) != 1 || !list["items"][0].CostOverflow || list["items"][0].TotalCost != nil {
		t.Fatalf("unexpected listings: %+v", list["items"])
	}

	expect(t, api.post("/v1/faucet", map[string]any{"address": "BUYER", "amount": 1_000_000}, a.operator), http.StatusCreated).Body.Close()
	resp := api.post("/v1/listings/0/buy", map[string]any{
		"payment": map[string]any{"amount": 1_000_000, "receiver": contractAddr},
	}, a.buyer)
	if code := errorCode(t, expect(t, resp, http.StatusBadRequest)); code != "overflow" {
		t.Fatalf("unexpected error code %q", code)
	}

	expect(t, api.post("/v1/listings/0/cancel", nil, a.dev), http.StatusOK).Body.Close()
	if got := api.balance("DEV", a.asset); got != 10 {
		t.Fatalf("escrow not returned: got %d", got)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/contract/deploy", nil, nil)
	expect(t, resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	errorCode(t, resp)

	resp = api.post("/v1/contract/deploy", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	expect(t, resp, http.StatusUnauthorized).Body.Close()

	// Reads stay public.
	resp = api.get("/v1/contract", nil, nil)
	if code := errorCode(t, expect(t, resp, http.StatusConflict)); code != "not_deployed" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestFaucetRequiresOperator(t *testing.T) {
	api := newTestAPI(t)
	dev := api.as("DEV")

	resp := api.post("/v1/faucet", map[string]any{"address": "DEV", "amount": 10}, dev)
	expect(t, resp, http.StatusForbidden).Body.Close()

	ops := api.as("OPS", "operator")
	resp = api.post("/v1/faucet", map[string]any{"address": "DEV", "amount": 2_000_000}, ops)
	expect(t, resp, http.StatusBadRequest).Body.Close()
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"address": ""}, nil)
	expect(t, resp, http.StatusBadRequest).Body.Close()

	resp = api.get("/v1/auth/token", nil, nil)
	expect(t, resp, http.StatusMethodNotAllowed).Body.Close()
}

func TestHealthAndInfo(t *testing.T) {
	api := newTestAPI(t)

	health := decode[map[string]any](t, expect(t, api.get("/healthz", nil, nil), http.StatusOK))
	if health["status"] != "ok" {
		t.Fatalf("unexpected health: %v", health)
	}
	ready := decode[map[string]any](t, expect(t, api.get("/readyz", nil, nil), http.StatusOK))
	if ready["deployed"] != false {
		t.Fatalf("unexpected readiness: %v", ready)
	}
	info := decode[map[string]any](t, expect(t, api.get("/v1/info", nil, nil), http.StatusOK))
	if info["contract"] != contractAddr {
		t.Fatalf("unexpected info: %v", info)
	}
	expect(t, api.get("/nope", nil, nil), http.StatusNotFound).Body.Close()
}
