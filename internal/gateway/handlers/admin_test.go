package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/elvis3770/webai-gateway/internal/gateway/credentials"
	"github.com/go-chi/chi/v5"
)

func newAdminRouter(t *testing.T) (http.Handler, *credentials.Manager) {
	t.Helper()
	creds := credentials.NewManager(credentials.Options{}, nil, nil, quietLogger())
	creds.Register("webai")

	h := NewAdminHandler(creds, quietLogger())
	mw := NewMiddleware(false, nil, nil, "admin-secret", nil, quietLogger())

	r := chi.NewRouter()
	r.Route("/admin", func(r chi.Router) {
		r.Use(mw.AdminMiddleware)
		r.Get("/credentials", h.HandleListCredentials)
		r.Put("/credentials/{provider}", h.HandleOverride)
		r.Post("/credentials/{provider}/refresh", h.HandleRefresh)
	})
	return r, creds
}

func adminRequest(router http.Handler, method, path, body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAdminOverrideInstallsFreshCredential(t *testing.T) {
	t.Parallel()

	router, creds := newAdminRouter(t)

	for _, body := range []string{
		`{"cookies":{"__Secure-1PSID":"psid","__Secure-1PSIDTS":"ts"}}`,
		`{"__Secure-1PSID":"psid2"}`,
	} {
		rec := adminRequest(router, http.MethodPut, "/admin/credentials/webai", body, "admin-secret")
		if rec.Code != http.StatusOK {
			t.Fatalf("body %s: status = %d, %s", body, rec.Code, rec.Body)
		}
		if strings.Contains(rec.Body.String(), "psid") {
			t.Fatalf("cookie value leaked: %s", rec.Body)
		}
		var view struct {
			State   string   `json:"state"`
			Cookies []string `json:"cookies"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if view.State != "fresh" || len(view.Cookies) == 0 {
			t.Fatalf("view = %+v", view)
		}
	}

	cred, ok := creds.CurrentCredential("webai")
	if !ok || cred.Value["__Secure-1PSID"] != "psid2" {
		t.Fatalf("credential = %+v", cred)
	}
}

func TestAdminEndpointsReportErrors(t *testing.T) {
	t.Parallel()

	router, _ := newAdminRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		key    string
		want   int
	}{
		{"missing key", http.MethodGet, "/admin/credentials", "", "", http.StatusUnauthorized},
		{"wrong key", http.MethodGet, "/admin/credentials", "", "nope", http.StatusUnauthorized},
		{"unknown provider", http.MethodPut, "/admin/credentials/claude", `{"a":"b"}`, "admin-secret", http.StatusNotFound},
		{"empty cookies", http.MethodPut, "/admin/credentials/webai", `{}`, "admin-secret", http.StatusBadRequest},
		{"not a map", http.MethodPut, "/admin/credentials/webai", `[1,2]`, "admin-secret", http.StatusBadRequest},
		{"refresh without renewer", http.MethodPost, "/admin/credentials/webai/refresh", "", "admin-secret", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := adminRequest(router, tt.method, tt.path, tt.body, tt.key); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestAdminListCredentials(t *testing.T) {
	t.Parallel()

	router, _ := newAdminRouter(t)
	rec := adminRequest(router, http.MethodGet, "/admin/credentials", "", "admin-secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Credentials []struct {
			Provider string `json:"provider"`
			State    string `json:"state"`
			HasValue bool   `json:"has_value"`
		} `json:"credentials"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Credentials) != 1 || body.Credentials[0].Provider != "webai" || body.Credentials[0].HasValue {
		t.Fatalf("credentials = %+v", body.Credentials)
	}
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	t.Parallel()

	mw := NewMiddleware(false, nil, nil, "", nil, quietLogger())
	h := mw.AdminMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("admin handler reached without an admin key configured")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/credentials", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
