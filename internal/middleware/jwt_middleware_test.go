package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ai_billing/internal/auth"
)

var testSecret = []byte("middleware-test-secret")

func issue(t *testing.T, roles ...auth.Role) string {
	t.Helper()
	token, _, err := auth.GenerateToken(testSecret, "caller", roles, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return token
}

func TestRequireRoles(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetSubject(r.Context()) != "caller" {
			t.Errorf("Unexpected subject: %q", GetSubject(r.Context()))
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name     string
		required []auth.Role
		header   string
		want     int
	}{
		{name: "missing token", required: []auth.Role{auth.RoleViewer}, header: "", want: http.StatusUnauthorized},
		{name: "garbage token", required: []auth.Role{auth.RoleViewer}, header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "viewer reads", required: []auth.Role{auth.RoleViewer}, header: "Bearer " + issue(t, auth.RoleViewer), want: http.StatusOK},
		{name: "admin reads", required: []auth.Role{auth.RoleViewer}, header: "Bearer " + issue(t, auth.RoleAdmin), want: http.StatusOK},
		{name: "viewer cannot write", required: []auth.Role{auth.RoleAdmin}, header: "Bearer " + issue(t, auth.RoleViewer), want: http.StatusForbidden},
		{name: "service records usage", required: []auth.Role{auth.RoleService}, header: "Bearer " + issue(t, auth.RoleService), want: http.StatusOK},
		{name: "service cannot administer", required: []auth.Role{auth.RoleAdmin, auth.RoleViewer}, header: "Bearer " + issue(t, auth.RoleService), want: http.StatusForbidden},
		{name: "any valid token", required: nil, header: "Bearer " + issue(t), want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireRoles(testSecret, tt.required...)(next)
			req := httptest.NewRequest("GET", "/admin/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestGetClaims_Unauthenticated(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if _, ok := GetClaims(req.Context()); ok {
		t.Error("Expected no claims on a bare request")
	}
	if GetSubject(req.Context()) != "" {
		t.Error("Expected empty subject on a bare request")
	}
}
