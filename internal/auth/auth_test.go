package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACVerifier(t *testing.T) {
	ctx := context.Background()
	signer, err := NewHS256Signer("s3cret", "relay")
	require.NoError(t, err)
	v := NewHMACVerifier("s3cret", "relay")

	tok, err := signer.Sign("alice", "phone", time.Minute)
	require.NoError(t, err)
	p, err := v.Verify(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "alice", DeviceID: "phone"}, p)

	noDevice, err := signer.Sign("alice", "", time.Minute)
	require.NoError(t, err)
	p, err = v.Verify(ctx, noDevice)
	require.NoError(t, err)
	assert.Empty(t, p.DeviceID)

	expired, err := signer.Sign("alice", "", -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(ctx, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewHMACVerifier("other", "relay").Verify(ctx, tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewHMACVerifier("s3cret", "someone-else").Verify(ctx, tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = v.Verify(ctx, noExp)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHMACRejectsAsymmetricTokens(t *testing.T) {
	ed, err := NewEd25519Signer("", "k1", "")
	require.NoError(t, err)
	tok, err := ed.Sign("alice", "", time.Minute)
	require.NoError(t, err)
	_, err = NewHMACVerifier("s3cret", "").Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWKSVerifier(t *testing.T) {
	signer, err := NewEd25519Signer("", "key-1", "accounts")
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []any{signer.PublicJWK()}})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewJWKSVerifier(ctx, srv.URL, "accounts")
	require.NoError(t, err)
	defer v.Close()

	tok, err := signer.Sign("bob", "laptop", time.Minute)
	require.NoError(t, err)
	p, err := v.Verify(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "bob", DeviceID: "laptop"}, p)

	other, err := NewEd25519Signer("", "key-1", "accounts")
	require.NoError(t, err)
	forged, err := other.Sign("bob", "", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRemoteVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.URL.Path != "/v1/auth/verify" {
			http.NotFound(w, r)
			return
		}
		if body["token"] != "good" {
			_ = json.NewEncoder(w).Encode(map[string]any{"valid": false})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": true, "userId": "carol", "tokenDeviceId": "tablet"})
	}))
	defer srv.Close()

	v := NewRemoteVerifier(srv.URL + "/")
	p, err := v.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "carol", DeviceID: "tablet"}, p)

	_, err = v.Verify(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestChainFallsThrough(t *testing.T) {
	signer, err := NewHS256Signer("second", "")
	require.NoError(t, err)
	tok, err := signer.Sign("dave", "", time.Minute)
	require.NoError(t, err)

	chain := Chain{NewHMACVerifier("first", ""), NewHMACVerifier("second", "")}
	p, err := chain.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "dave", p.UserID)
	assert.Equal(t, "hmac+hmac", chain.String())

	_, err = Chain{}.Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	signer, err := NewHS256Signer("s3cret", "")
	require.NoError(t, err)
	var seen Principal
	h := Middleware(NewHMACVerifier("s3cret", ""))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := signer.Sign("erin", "d1", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, Principal{UserID: "erin", DeviceID: "d1"}, seen)

	req = httptest.NewRequest(http.MethodGet, "/?access_token="+tok, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
