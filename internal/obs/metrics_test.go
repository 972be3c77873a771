package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/metrics":                    "/metrics",
		"/v1/records/42":              "/v1/records/:id",
		"/v1/records/42/content":      "/v1/records/:id/content",
		"/v1/records/42/grants":       "/v1/records/:id/grants",
		"/v1/requests/7/close":        "/v1/requests/:id/close",
		"/v1/accounts/abc/balance":    "/v1/accounts/:id/balance",
		"/v1/patients/p-1/earnings":   "/v1/patients/:id/earnings",
		"/v1/requests":                "/v1/requests",
		"/v1/requests?active=true":    "/v1/requests",
		"/v1/records/42/grants/res-1": "/v1/records/:id/grants/:grantee",
		"/v1/records/42/content/sub":  "/v1/records/42/content/sub",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
