package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func protectedHandler(t *testing.T, hit *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hit = true
		p, err := GetPrincipal(r.Context())
		require.NoError(t, err)
		require.NotEmpty(t, p.GetID())
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	var hit bool
	mw := NewMiddleware(NewJWTValidator(testSecret))
	handler := mw(protectedHandler(t, &hit))

	token := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Username:    "alice",
		Permissions: []string{PermRequestPackages},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, hit)
}

func TestMiddlewareRejects(t *testing.T) {
	var hit bool
	mw := NewMiddleware(NewJWTValidator(testSecret))
	handler := mw(protectedHandler(t, &hit))

	cases := map[string]string{
		"no header":     "",
		"wrong scheme":  "Basic abc",
		"garbage token": "Bearer not-a-jwt",
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, name)
		require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"), name)
	}
	require.False(t, hit)
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	var hit bool
	mw := NewMiddleware(NewJWTValidator(testSecret))
	handler := mw(protectedHandler(t, &hit))

	token := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, hit)
}

func TestMiddlewareRejectsMissingSubject(t *testing.T) {
	mw := NewMiddleware(NewJWTValidator(testSecret))
	var hit bool
	handler := mw(protectedHandler(t, &hit))

	token := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareFailsClosedWithoutValidator(t *testing.T) {
	var hit bool
	handler := NewMiddleware(nil)(protectedHandler(t, &hit))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, hit)
}

func TestMiddlewareAllowsPublicPaths(t *testing.T) {
	handler := NewMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPermissions(t *testing.T) {
	p := &BasePrincipal{ID: "u", Permissions: []string{PermRequestPackages}}
	require.True(t, p.HasPermission(PermRequestPackages))
	require.False(t, p.HasPermission(PermApprovePackages))

	admin := &BasePrincipal{ID: "a", Permissions: []string{PermAdmin}}
	require.True(t, admin.HasPermission(PermApprovePackages))
	require.True(t, admin.HasPermission(PermPublishPackages))
}
