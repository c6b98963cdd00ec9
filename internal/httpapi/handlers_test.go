package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"topacc.org/internal/auth"
	"topacc.org/internal/autopay"
)

func newTestAPI(t *testing.T, engineOpts ...autopay.Option) (*API, http.Handler) {
	t.Helper()
	engine := autopay.NewInMemory(engineOpts...)
	api := New(engine, ReadyProbe{}, "test", WithRateLimit(10_000, 10_000))
	return api, api.Handler()
}

func doRequest(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	_, h := newTestAPI(t)
	rec := doRequest(h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "topacc-api" {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyWithoutDB(t *testing.T) {
	_, h := newTestAPI(t)
	rec := doRequest(h, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestFullAutopayFlow(t *testing.T) {
	_, h := newTestAPI(t)

	// Provider publishes a service.
	rec := doRequest(h, http.MethodPost, "/v1/services",
		`{"owner_id":"netflix","cost":1500,"interval_seconds":3600}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body.String())
	}
	var svc autopay.Service
	if err := json.Unmarshal(rec.Body.Bytes(), &svc); err != nil {
		t.Fatalf("decode service: %v", err)
	}
	if svc.ID != 0 || svc.Owner != "netflix" {
		t.Fatalf("service = %+v", svc)
	}
	if loc := rec.Header().Get("Location"); loc != "/v1/services/0" {
		t.Fatalf("Location = %q", loc)
	}

	// User funds the account.
	rec = doRequest(h, http.MethodPost, "/v1/accounts/alice/deposit", `{"amount":5000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit status = %d: %s", rec.Code, rec.Body.String())
	}
	var bal balanceResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &bal)
	if bal.Balance != 5000 {
		t.Fatalf("balance = %d, want 5000", bal.Balance)
	}

	// User consents to autopay.
	rec = doRequest(h, http.MethodPut, "/v1/accounts/alice/autopay/0",
		`{"max_amount":2000,"interval_seconds":3600}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize status = %d: %s", rec.Code, rec.Body.String())
	}
	var authz autopay.Authorization
	_ = json.Unmarshal(rec.Body.Bytes(), &authz)
	if !authz.Authorized || authz.MaxAmount != 2000 {
		t.Fatalf("authorization = %+v", authz)
	}

	// Keeper executes the charge.
	rec = doRequest(h, http.MethodPost, "/v1/charges",
		`{"account_id":"alice","service_id":0}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("charge status = %d: %s", rec.Code, rec.Body.String())
	}
	var ch autopay.Charge
	_ = json.Unmarshal(rec.Body.Bytes(), &ch)
	if ch.Amount != 1500 || ch.User != "alice" || ch.Provider != "netflix" {
		t.Fatalf("charge = %+v", ch)
	}

	// Ledger reflects the transfer on both sides.
	rec = doRequest(h, http.MethodGet, "/v1/accounts/alice/balance", "")
	_ = json.Unmarshal(rec.Body.Bytes(), &bal)
	if bal.Balance != 3500 {
		t.Fatalf("user balance = %d, want 3500", bal.Balance)
	}
	rec = doRequest(h, http.MethodGet, "/v1/accounts/netflix/balance", "")
	_ = json.Unmarshal(rec.Body.Bytes(), &bal)
	if bal.Balance != 1500 {
		t.Fatalf("provider balance = %d, want 1500", bal.Balance)
	}

	// The receipt shows up in the journal.
	rec = doRequest(h, http.MethodGet, "/v1/charges", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list charges status = %d", rec.Code)
	}
	var page listChargesResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if len(page.Items) != 1 || page.Items[0].ID != ch.ID {
		t.Fatalf("charges = %+v", page)
	}

	// Revoking consent stops further charges.
	rec = doRequest(h, http.MethodDelete, "/v1/accounts/alice/autopay/0", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disapprove status = %d", rec.Code)
	}
	rec = doRequest(h, http.MethodGet, "/v1/accounts/alice/autopay/0", "")
	_ = json.Unmarshal(rec.Body.Bytes(), &authz)
	if authz.Authorized {
		t.Fatalf("authorization still active after revoke")
	}
}

func TestErrorStatusMapping(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0).UTC()
	_, h := newTestAPI(t, autopay.WithClock(func() time.Time { return clock }))

	// Seed: service 0 (cost 1000, hourly), alice funded and authorized.
	doRequest(h, http.MethodPost, "/v1/services",
		`{"owner_id":"p","cost":1000,"interval_seconds":3600}`)
	doRequest(h, http.MethodPost, "/v1/accounts/alice/deposit", `{"amount":1500}`)
	doRequest(h, http.MethodPut, "/v1/accounts/alice/autopay/0",
		`{"max_amount":1000,"interval_seconds":3600}`)

	cases := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"deposit zero amount", http.MethodPost, "/v1/accounts/alice/deposit", `{"amount":0}`, http.StatusBadRequest},
		{"deposit malformed body", http.MethodPost, "/v1/accounts/alice/deposit", `{"amount":`, http.StatusBadRequest},
		{"deposit unknown field", http.MethodPost, "/v1/accounts/alice/deposit", `{"amount":10,"extra":1}`, http.StatusBadRequest},
		{"withdraw more than balance", http.MethodPost, "/v1/accounts/alice/withdraw", `{"amount":999999}`, http.StatusConflict},
		{"get unknown service", http.MethodGet, "/v1/services/42", "", http.StatusNotFound},
		{"authorize unknown service", http.MethodPut, "/v1/accounts/alice/autopay/42", `{"max_amount":10,"interval_seconds":60}`, http.StatusNotFound},
		{"authorize mismatched interval", http.MethodPut, "/v1/accounts/bob/autopay/0", `{"max_amount":10,"interval_seconds":60}`, http.StatusBadRequest},
		{"re-authorize active pair", http.MethodPut, "/v1/accounts/alice/autopay/0", `{"max_amount":10,"interval_seconds":3600}`, http.StatusConflict},
		{"charge without authorization", http.MethodPost, "/v1/charges", `{"account_id":"bob","service_id":0}`, http.StatusForbidden},
		{"charge unknown service", http.MethodPost, "/v1/charges", `{"account_id":"alice","service_id":42}`, http.StatusNotFound},
		{"charge missing account", http.MethodPost, "/v1/charges", `{"service_id":0}`, http.StatusBadRequest},
		{"bad service id segment", http.MethodGet, "/v1/services/abc", "", http.StatusBadRequest},
		{"bad autopay id segment", http.MethodPut, "/v1/accounts/alice/autopay/abc", `{}`, http.StatusBadRequest},
		{"unknown account subresource", http.MethodGet, "/v1/accounts/alice/unknown", "", http.StatusNotFound},
		{"unknown route", http.MethodGet, "/v1/nope", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(h, tc.method, tc.target, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}

	// First charge succeeds; a retry inside the interval conflicts.
	rec := doRequest(h, http.MethodPost, "/v1/charges", `{"account_id":"alice","service_id":0}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("charge status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(h, http.MethodPost, "/v1/charges", `{"account_id":"alice","service_id":0}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("early retry status = %d, want 409: %s", rec.Code, rec.Body.String())
	}

	// With 500 left and a 1000 cost the next window fails on funds.
	clock = clock.Add(time.Hour)
	rec = doRequest(h, http.MethodPost, "/v1/charges", `{"account_id":"alice","service_id":0}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("underfunded charge status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, h := newTestAPI(t)

	rec := doRequest(h, http.MethodDelete, "/v1/services", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); !strings.Contains(allow, http.MethodPost) {
		t.Fatalf("Allow = %q", allow)
	}

	rec = doRequest(h, http.MethodPost, "/v1/accounts/alice/balance", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestListServicesAndPagination(t *testing.T) {
	_, h := newTestAPI(t)

	for i := 0; i < 3; i++ {
		doRequest(h, http.MethodPost, "/v1/services",
			fmt.Sprintf(`{"owner_id":"p%d","cost":100,"interval_seconds":60}`, i))
	}

	rec := doRequest(h, http.MethodGet, "/v1/services", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list listServicesResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Items) != 3 {
		t.Fatalf("services = %d, want 3", len(list.Items))
	}

	rec = doRequest(h, http.MethodGet, "/v1/charges?limit=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", rec.Code)
	}
	rec = doRequest(h, http.MethodGet, "/v1/charges?after=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad after status = %d, want 400", rec.Code)
	}
}

func TestRegisterServiceRequiresOwner(t *testing.T) {
	_, h := newTestAPI(t)
	rec := doRequest(h, http.MethodPost, "/v1/services", `{"cost":100,"interval_seconds":60}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestStreamDeliversEventsThroughHandlerChain(t *testing.T) {
	stream := autopay.NewStream()
	engine := autopay.NewInMemory(autopay.WithStream(stream))
	api := New(engine, ReadyProbe{}, "test",
		WithStream(stream), WithRateLimit(10_000, 10_000))
	h := api.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	// Repeated deposits guarantee at least one event lands after the
	// subscription inside the handler is registered.
	for i := 0; i < 20; i++ {
		if _, err := engine.Deposit(context.Background(), "alice", 100); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not return after context cancel")
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "data: ") {
		t.Fatalf("no SSE frames in body: %q", body)
	}
	if !strings.Contains(body, string(autopay.EventFundsDeposited)) {
		t.Fatalf("deposit event missing from stream: %q", body)
	}
}

func TestStreamDisabledWithoutStream(t *testing.T) {
	_, h := newTestAPI(t)
	rec := doRequest(h, http.MethodGet, "/v1/stream", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestConfiguredBodyCapApplies(t *testing.T) {
	engine := autopay.NewInMemory()
	big := New(engine, ReadyProbe{}, "test",
		WithRateLimit(10_000, 10_000), WithMaxBodyBytes(4<<20)).Handler()

	// A valid body larger than the old default cap must pass under a
	// larger configured limit.
	body := `{"amount":100}` + strings.Repeat(" ", 2<<20)
	rec := doRequest(big, http.MethodPost, "/v1/accounts/alice/deposit", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	small := New(autopay.NewInMemory(), ReadyProbe{}, "test",
		WithRateLimit(10_000, 10_000), WithMaxBodyBytes(8)).Handler()
	rec = doRequest(small, http.MethodPost, "/v1/accounts/alice/deposit", `{"amount":100}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAuthEnforcement(t *testing.T) {
	t.Setenv("TOPACC_AUTH_SECRET", "handlers-test-secret")
	auth.ResetSecretCache()
	t.Cleanup(auth.ResetSecretCache)

	_, h := newTestAPI(t)

	// Public endpoints stay open.
	rec := doRequest(h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}

	// Protected endpoints demand a token.
	rec = doRequest(h, http.MethodGet, "/v1/services", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no-token status = %d, want 401", rec.Code)
	}

	userToken, err := auth.GenerateToken("alice", []string{auth.RoleUser}, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	providerToken, err := auth.GenerateToken("netflix", []string{auth.RoleProvider}, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	keeperToken, err := auth.GenerateToken("keeper-1", []string{auth.RoleKeeper}, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	withToken := func(method, target, body, token string) *httptest.ResponseRecorder {
		var req *http.Request
		if body == "" {
			req = httptest.NewRequest(method, target, nil)
		} else {
			req = httptest.NewRequest(method, target, strings.NewReader(body))
		}
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	// A plain user cannot publish services or push charges.
	rec = withToken(http.MethodPost, "/v1/services", `{"owner_id":"x","cost":1,"interval_seconds":1}`, userToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("user register status = %d, want 403", rec.Code)
	}
	rec = withToken(http.MethodPost, "/v1/charges", `{"account_id":"alice","service_id":0}`, userToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("user charge status = %d, want 403", rec.Code)
	}

	// Provider registers; owner defaults to the token subject.
	rec = withToken(http.MethodPost, "/v1/services", `{"cost":100,"interval_seconds":60}`, providerToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("provider register status = %d: %s", rec.Code, rec.Body.String())
	}
	var svc autopay.Service
	_ = json.Unmarshal(rec.Body.Bytes(), &svc)
	if svc.Owner != "netflix" {
		t.Fatalf("owner = %q, want token subject", svc.Owner)
	}

	// Keeper path works end to end.
	rec = withToken(http.MethodPost, "/v1/accounts/alice/deposit", `{"amount":500}`, userToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = withToken(http.MethodPut, "/v1/accounts/alice/autopay/0", `{"max_amount":100,"interval_seconds":60}`, userToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = withToken(http.MethodPost, "/v1/charges", `{"account_id":"alice","service_id":0}`, keeperToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("keeper charge status = %d: %s", rec.Code, rec.Body.String())
	}

	// Garbage tokens are rejected.
	rec = withToken(http.MethodGet, "/v1/services", "", "not-a-token")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", rec.Code)
	}
}
