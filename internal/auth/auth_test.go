package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(secret, audience string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", JWTMiddleware(secret, audience), func(c *gin.Context) {
		userID, _ := GetUserID(c.Request.Context())
		c.String(http.StatusOK, userID)
	})
	return router
}

func call(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestIssuedTokenPassesMiddleware(t *testing.T) {
	issuer, err := NewTokenIssuer("secret", "skin-check", time.Hour)
	require.NoError(t, err)

	token, err := issuer.Issue("user-1", "doctor")
	require.NoError(t, err)

	rec := call(newRouter("secret", "skin-check"), "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", rec.Body.String())

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) { return []byte("secret"), nil })
	require.NoError(t, err)
	assert.Equal(t, "doctor", claims.Role)
}

func TestMiddlewareRejections(t *testing.T) {
	issuer, err := NewTokenIssuer("secret", "", time.Hour)
	require.NoError(t, err)
	valid, err := issuer.Issue("user-1", "patient")
	require.NoError(t, err)

	other, err := NewTokenIssuer("other-secret", "", time.Hour)
	require.NoError(t, err)
	forged, err := other.Issue("user-1", "patient")
	require.NoError(t, err)

	expiredIssuer, err := NewTokenIssuer("secret", "", time.Hour)
	require.NoError(t, err)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredIssuer.Issue("user-1", "patient")
	require.NoError(t, err)

	tests := []struct {
		name     string
		router   *gin.Engine
		header   string
		expected string
	}{
		{"missing header", newRouter("secret", ""), "", "authorization header required"},
		{"wrong scheme", newRouter("secret", ""), "Basic abc", "invalid authorization header"},
		{"empty token", newRouter("secret", ""), "Bearer  ", "token missing"},
		{"bad signature", newRouter("secret", ""), "Bearer " + forged, "invalid token"},
		{"expired", newRouter("secret", ""), "Bearer " + expired, "invalid token"},
		{"audience", newRouter("secret", "skin-check"), "Bearer " + valid, "invalid audience"},
		{"no secret", newRouter("", ""), "Bearer " + valid, "missing JWT secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(tt.router, tt.header)
			require.Equal(t, http.StatusUnauthorized, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.expected, body["error"])
			assert.Equal(t, UnauthenticatedCode, body["code"])
		})
	}
}

func TestNewTokenIssuerValidation(t *testing.T) {
	_, err := NewTokenIssuer(" ", "", time.Hour)
	assert.Error(t, err)

	_, err = NewTokenIssuer("secret", "", 0)
	assert.Error(t, err)

	issuer, err := NewTokenIssuer("secret", "", time.Hour)
	require.NoError(t, err)
	_, err = issuer.Issue("", "patient")
	assert.Error(t, err)
}

func TestGetUserID(t *testing.T) {
	_, ok := GetUserID(nil)
	assert.False(t, ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok = GetUserID(req.Context())
	assert.False(t, ok)

	id, ok := GetUserID(WithUserID(req.Context(), "u-9"))
	assert.True(t, ok)
	assert.Equal(t, "u-9", id)
}
