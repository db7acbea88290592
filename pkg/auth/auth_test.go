package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndAuthenticate(t *testing.T) {
	p := NewProvider("secret", "subrent")

	token, err := p.Issue(Identity{UserID: "u1", DisplayName: "Ann"}, time.Hour)
	require.NoError(t, err)

	id, err := p.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u1", DisplayName: "Ann"}, id)
}

func TestAuthenticateRejects(t *testing.T) {
	p := NewProvider("secret", "subrent")
	other := NewProvider("other-secret", "subrent")
	foreign := NewProvider("secret", "someone-else")

	expired := NewProvider("secret", "subrent")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	wrongKey, _ := other.Issue(Identity{UserID: "u1"}, time.Hour)
	wrongIssuer, _ := foreign.Issue(Identity{UserID: "u1"}, time.Hour)
	old, _ := expired.Issue(Identity{UserID: "u1"}, time.Hour)
	noSubject, _ := p.Issue(Identity{}, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1", "iss": "subrent"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"expired":      old,
		"no subject":   noSubject,
		"alg none":     none,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := p.Authenticate(token)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func newRouter(p *Provider) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", p.RequireAuth(), func(c *gin.Context) {
		id, _ := FromContext(c)
		c.JSON(http.StatusOK, gin.H{"userId": id.UserID})
	})
	r.GET("/admin", p.RequireAuth(), p.RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func get(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAuth(t *testing.T) {
	p := NewProvider("secret", "")
	r := newRouter(p)
	token, err := p.Issue(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	w := get(r, "/me", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":"u1"}`, w.Body.String())

	w = get(r, "/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	p := NewProvider("secret", "")
	r := newRouter(p)
	user, _ := p.Issue(Identity{UserID: "u1"}, time.Hour)
	admin, _ := p.Issue(Identity{UserID: "root", Admin: true}, time.Hour)

	assert.Equal(t, http.StatusForbidden, get(r, "/admin", user).Code)
	assert.Equal(t, http.StatusNoContent, get(r, "/admin", admin).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/admin", "").Code)
}
