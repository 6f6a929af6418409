package obs

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/v1/projects":                    "/v1/projects",
		"/v1/projects/3":                  "/v1/projects/:id",
		"/v1/projects/3/approve":          "/v1/projects/:id/approve",
		"/v1/listings/0/buy":              "/v1/listings/:id/buy",
		"/v1/listings/0/buy/extra":        "/v1/listings/0/buy/extra",
		"/v1/accounts/DEV/balance":        "/v1/accounts/:address/balance",
		"/v1/accounts/DEV/extra":          "/v1/accounts/DEV/extra",
		"/v1/ledger/transactions?limit=5": "/v1/ledger/transactions",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestObserveCall(t *testing.T) {
	before := testutil.ToFloat64(contractCalls.WithLabelValues("submit_project", "ok"))
	ObserveCall("submit_project", "ok", 3*time.Millisecond)
	after := testutil.ToFloat64(contractCalls.WithLabelValues("submit_project", "ok"))
	if after != before+1 {
		t.Fatalf("counter moved from %v to %v", before, after)
	}
	SetActiveListings(3)
	if got := testutil.ToFloat64(activeListings); got != 3 {
		t.Fatalf("active listings = %v", got)
	}
}
