package middleware

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

func sign(t *testing.T, secret, typ string, ttl time.Duration) string {
	t.Helper()
	claims := &Claims{
		UserID:   42,
		Username: "alice",
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func whoami(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", mw, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": c.GetUint64("userId"), "username": c.GetString("username")})
	})
	return r
}

func do(r http.Handler, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTMiddleware(t *testing.T) {
	r := whoami(JWTMiddleware("s3cret"))

	w := do(r, "/me", sign(t, "s3cret", "access", time.Minute))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		UserID   uint64 `json:"userId"`
		Username string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, uint64(42), body.UserID)
	assert.Equal(t, "alice", body.Username)

	// websocket 从 query 取 token
	w = do(r, "/me?token="+sign(t, "s3cret", "access", time.Minute), "")
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", sign(t, "other", "access", time.Minute)).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", sign(t, "s3cret", "refresh", time.Minute)).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", sign(t, "s3cret", "access", -time.Minute)).Code)
}

func TestAuthMiddlewareRemoteVerify(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/auth/verify", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "token revoked"})
			return
		}
		_ = json.NewEncoder(w).Encode(VerifyClaims{UserID: 7, Username: "bob", Type: "access"})
	}))
	defer auth.Close()

	r := whoami(AuthMiddleware(auth.URL+"/", nil))
	w := do(r, "/me", "good")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"bob"`)

	w = do(r, "/me", "bad")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token revoked")
}

func TestAuthMiddlewareUpstreamDown(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := auth.URL
	auth.Close()

	r := whoami(AuthMiddleware(url, nil))
	assert.Equal(t, http.StatusBadGateway, do(r, "/me", "any").Code)
}

func TestAnonymous(t *testing.T) {
	r := whoami(Anonymous())
	w := do(r, "/me?username=guest", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"guest"`)
}
