package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdotdev/tangram/internal/auth"
)

func TestTokenDisabledAcceptsEverything(t *testing.T) {
	tok := auth.NewToken("")
	require.False(t, tok.Enabled())
	require.True(t, tok.Verify("anything"))
	require.True(t, tok.Verify(""))
}

func TestTokenVerify(t *testing.T) {
	tok := auth.NewToken("s3cr3t")
	require.True(t, tok.Enabled())
	require.True(t, tok.Verify("s3cr3t"))
	require.False(t, tok.Verify("wrong"))
	require.False(t, tok.Verify(""))
}

func TestTokenRedactsItself(t *testing.T) {
	tok := auth.NewToken("s3cr3t")
	require.Equal(t, "[REDACTED]", tok.String())
	b, err := tok.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"[REDACTED]"`, string(b))
}

func TestFromHeader(t *testing.T) {
	tok, ok := auth.FromHeader("Bearer abc123")
	require.True(t, ok)
	require.Equal(t, "abc123", tok)

	_, ok = auth.FromHeader("Basic abc123")
	require.False(t, ok)

	_, ok = auth.FromHeader("")
	require.False(t, ok)
}

func TestMiddlewareRejectsMissingOrWrongToken(t *testing.T) {
	mw := auth.Middleware(auth.NewToken("s3cr3t"))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/objects/blb_abc", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAcceptsCorrectToken(t *testing.T) {
	mw := auth.Middleware(auth.NewToken("s3cr3t"))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, ok := auth.ClientIPFromContext(r.Context())
		assert.True(t, ok)
		assert.NotEmpty(t, ip)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/objects/blb_abc", nil)
	req.Header.Set("Authorization", "Bearer s3cr3t")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	mw := auth.Middleware(auth.NewToken(""))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/objects/blb_abc", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
