package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/guidebook/internal/auth"
	"github.com/example/guidebook/internal/booking/domain"
)

const secret = "test-secret"

func sign(t *testing.T, key string, method jwt.SigningMethod, role, subject string) string {
	t.Helper()
	claims := auth.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func TestAuthorizeMatrix(t *testing.T) {
	cases := []struct {
		role auth.Role
		op   auth.Operation
		want bool
	}{
		{auth.RoleAdmin, auth.OpSetDriverActive, true},
		{auth.RoleAdmin, auth.OpListAvailability, true},
		{auth.RoleMember, auth.OpListAvailability, true},
		{auth.RoleMember, auth.OpCreateBooking, true},
		{auth.RoleMember, auth.OpGetBooking, true},
		{auth.RoleMember, auth.OpConfirmBooking, false},
		{auth.RoleMember, auth.OpAddUnavailability, false},
		{auth.RoleDriver, auth.OpAddUnavailability, true},
		{auth.RoleDriver, auth.OpListAvailability, false},
		{auth.RoleDriver, auth.OpSetDriverActive, false},
		{"GUEST", auth.OpGetBooking, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, auth.Authorize(tc.role, tc.op), "%s %s", tc.role, tc.op)
	}
}

func TestGateScopesDriversToThemselves(t *testing.T) {
	gate := auth.NewGate(nil)
	self := uuid.New()
	other := uuid.New()
	driver := auth.Principal{Role: auth.RoleDriver, Subject: self.String()}

	require.NoError(t, gate.Check(driver, auth.OpAddUnavailability, &self))
	require.ErrorIs(t, gate.Check(driver, auth.OpAddUnavailability, &other), domain.ErrForbidden)
	require.ErrorIs(t, gate.Check(driver, auth.OpRemoveUnavailability, nil), domain.ErrForbidden)
	require.ErrorIs(t, gate.Check(auth.Principal{Role: auth.RoleDriver, Subject: "nope"}, auth.OpListUnavailability, &self), domain.ErrForbidden)

	admin := auth.Principal{Role: auth.RoleAdmin, Subject: "root"}
	require.NoError(t, gate.Check(admin, auth.OpAddUnavailability, &other))
	require.ErrorIs(t, gate.Check(auth.Principal{Role: auth.RoleMember}, auth.OpCancelBooking, nil), domain.ErrForbidden)
}

func TestMiddleware(t *testing.T) {
	var seen auth.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		require.True(t, ok)
		seen = p
		w.WriteHeader(http.StatusNoContent)
	})
	h := auth.Middleware(secret)(next)

	do := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusUnauthorized, do("").Code)
	require.Equal(t, http.StatusUnauthorized, do("Basic abc").Code)
	require.Equal(t, http.StatusUnauthorized, do("Bearer "+sign(t, "wrong", jwt.SigningMethodHS256, "ADMIN", "a")).Code)
	require.Equal(t, http.StatusUnauthorized, do("Bearer "+sign(t, secret, jwt.SigningMethodHS512, "ADMIN", "a")).Code)

	rec := do("Bearer " + sign(t, secret, jwt.SigningMethodHS256, "driver", "d-1"))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, auth.Principal{Role: auth.RoleDriver, Subject: "d-1"}, seen)
}
