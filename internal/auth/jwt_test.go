package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("test-secret-key-for-testing")

func TestGenerateAndValidateToken(t *testing.T) {
	token, exp, err := GenerateToken(testSecret, "stylist-service", []Role{RoleService}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if token == "" {
		t.Error("GenerateToken() returned empty token")
	}
	if exp <= time.Now().Unix() {
		t.Error("GenerateToken() expiration time is in the past")
	}

	claims, err := ValidateToken(testSecret, token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Subject != "stylist-service" {
		t.Errorf("claims.Subject = %v, want stylist-service", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != RoleService {
		t.Errorf("claims.Roles = %v, want [service]", claims.Roles)
	}
	if claims.Issuer != issuer {
		t.Errorf("claims.Issuer = %v, want %v", claims.Issuer, issuer)
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	valid, _, err := GenerateToken(testSecret, "ops", []Role{RoleAdmin}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	expired, _, err := GenerateToken(testSecret, "ops", []Role{RoleAdmin}, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	other, _, err := GenerateToken(testSecret, "intruder", []Role{RoleAdmin}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	validParts := strings.Split(valid, ".")
	otherParts := strings.Split(other, ".")
	tampered := validParts[0] + "." + otherParts[1] + "." + validParts[2]

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Roles: []Role{RoleAdmin}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build unsigned token: %v", err)
	}

	tests := []struct {
		name   string
		secret []byte
		token  string
	}{
		{name: "wrong secret", secret: []byte("other"), token: valid},
		{name: "expired", secret: testSecret, token: expired},
		{name: "garbage", secret: testSecret, token: "not-a-token"},
		{name: "tampered", secret: testSecret, token: tampered},
		{name: "alg none", secret: testSecret, token: unsigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateToken(tt.secret, tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestGenerateToken_Validation(t *testing.T) {
	if _, _, err := GenerateToken(nil, "svc", nil, time.Hour); !errors.Is(err, ErrMissingKey) {
		t.Errorf("missing secret: error = %v", err)
	}
	if _, _, err := GenerateToken(testSecret, "", nil, time.Hour); err == nil {
		t.Error("empty subject should fail")
	}
	_, _, err := GenerateToken(testSecret, "svc", []Role{"superuser"}, time.Hour)
	if !errors.Is(err, ErrUnknownRole) || !strings.Contains(err.Error(), "superuser") {
		t.Errorf("unknown role: error = %v", err)
	}
}

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		held     Role
		required Role
		want     bool
	}{
		{RoleAdmin, RoleViewer, true},
		{RoleAdmin, RoleService, true},
		{RoleViewer, RoleViewer, true},
		{RoleViewer, RoleAdmin, false},
		{RoleService, RoleViewer, false},
		{RoleService, RoleService, true},
	}

	for _, tt := range tests {
		if got := tt.held.HasPermission(tt.required); got != tt.want {
			t.Errorf("%s.HasPermission(%s) = %v, want %v", tt.held, tt.required, got, tt.want)
		}
	}

	claims := &Claims{Roles: []Role{RoleViewer}}
	if !claims.HasAnyRole(RoleAdmin, RoleViewer) {
		t.Error("viewer should satisfy admin-or-viewer")
	}
	if claims.HasAnyRole(RoleService) {
		t.Error("viewer should not satisfy service")
	}

	if _, err := ParseRoles([]string{"admin", "nope"}); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("ParseRoles() error = %v, want ErrUnknownRole", err)
	}
}
