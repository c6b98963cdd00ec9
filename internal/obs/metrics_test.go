package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/v1/accounts/abc/balance":           "/v1/accounts/:id/balance",
		"/v1/accounts/abc/deposit":           "/v1/accounts/:id/deposit",
		"/v1/accounts/abc/autopay/3":         "/v1/accounts/:id/autopay/:service_id",
		"/v1/services":                       "/v1/services",
		"/v1/services/7":                     "/v1/services/:id",
		"/v1/charges":                        "/v1/charges",
		"/v1/charges?limit=10":               "/v1/charges",
		"/v1/accounts/abc/autopay/3/nothing": "/v1/accounts/:id/autopay/3/nothing",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentPreservesFlusher(t *testing.T) {
	var flushable bool
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))

	if !flushable {
		t.Fatal("instrumented writer lost http.Flusher; SSE responses cannot flush")
	}
}
