package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "jwt-test-secret"
	testIssuer = "marketplace-identity"
)

func newTestManager() *Manager {
	return NewManager(
		NewMemoryStore(),
		NewTokenVerifier(testSecret, testIssuer, time.Second),
		ParseOperatorIDs("ops-1, ops-2,,"),
	)
}

func TestGenerateKey(t *testing.T) {
	mgr := newTestManager()

	rawKey, key, err := mgr.GenerateKey(context.Background(), "user-seller", "Test key")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rawKey, "sk_"))
	assert.Len(t, rawKey, 67) // "sk_" + 64 hex chars
	assert.True(t, strings.HasPrefix(key.ID, "ak_"))
	assert.Equal(t, "user-seller", key.PartyID)
	assert.Equal(t, "Test key", key.Name)
	assert.NotEqual(t, rawKey, key.Hash)
}

func TestAuthenticate_APIKey(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "ops-1", "tooling")
	require.NoError(t, err)

	for _, cred := range []string{rawKey, "Bearer " + rawKey, "  Bearer " + rawKey + " "} {
		id, err := mgr.Authenticate(ctx, cred)
		require.NoError(t, err, cred)
		assert.Equal(t, "ops-1", id.PartyID)
		assert.True(t, id.Operator)
		assert.Equal(t, "api_key", id.Method)
		assert.Equal(t, key.ID, id.KeyID)
	}

	_, err = mgr.Authenticate(ctx, "sk_0000")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = mgr.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrNoCredentials)
	_, err = mgr.Authenticate(ctx, "Bearer ")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestAuthenticate_RevokedAndExpiredKeys(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "user-buyer", "k")
	require.NoError(t, err)
	require.NoError(t, mgr.RevokeKey(ctx, key.ID, "user-buyer"))
	_, err = mgr.Authenticate(ctx, rawKey)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.ErrorIs(t, mgr.RevokeKey(ctx, key.ID, "user-buyer"), ErrKeyNotFound)

	rawKey2, key2, err := mgr.GenerateKey(ctx, "user-buyer", "k2")
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	ms := mgr.store.(*MemoryStore)
	ms.mu.Lock()
	ms.keys[key2.ID].ExpiresAt = &past
	ms.mu.Unlock()
	_, err = mgr.Authenticate(ctx, rawKey2)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRevokeKey_OnlyOwnKeys(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	_, key, err := mgr.GenerateKey(ctx, "user-seller", "k")
	require.NoError(t, err)
	assert.ErrorIs(t, mgr.RevokeKey(ctx, key.ID, "user-buyer"), ErrKeyNotFound)

	keys, err := mgr.ListKeys(ctx, "user-seller")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.False(t, keys[0].Revoked)
}

func TestAuthenticate_JWT(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	token, err := mgr.tokens.Issue("user-buyer", time.Hour)
	require.NoError(t, err)
	id, err := mgr.Authenticate(ctx, "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "user-buyer", id.PartyID)
	assert.False(t, id.Operator)
	assert.Equal(t, "jwt", id.Method)

	opsToken, err := mgr.tokens.Issue("ops-2", time.Hour)
	require.NoError(t, err)
	id, err = mgr.Authenticate(ctx, opsToken)
	require.NoError(t, err)
	assert.True(t, id.Operator)
}

func signed(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestTokenVerifier_Rejects(t *testing.T) {
	v := NewTokenVerifier(testSecret, testIssuer, time.Second)
	now := time.Now()
	valid := jwt.RegisteredClaims{
		Subject:   "user-buyer",
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", signed(t, jwt.SigningMethodHS256, []byte("other"), valid)},
		{"wrong issuer", signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
			Subject: "user-buyer", Issuer: "someone-else", ExpiresAt: valid.ExpiresAt,
		})},
		{"expired", signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
			Subject: "user-buyer", Issuer: testIssuer, ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
		})},
		{"no expiry", signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
			Subject: "user-buyer", Issuer: testIssuer,
		})},
		{"no subject", signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
			Issuer: testIssuer, ExpiresAt: valid.ExpiresAt,
		})},
		{"alg none", signed(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid)},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}

	sub, err := v.Verify(signed(t, jwt.SigningMethodHS384, []byte(testSecret), valid))
	require.NoError(t, err)
	assert.Equal(t, "user-buyer", sub)
}

func TestTokenVerifier_NoSecret(t *testing.T) {
	_, err := NewTokenVerifier("  ", "", 0).Verify("x.y.z")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestManager_WithoutTokenVerifier(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), nil, nil)
	_, err := mgr.Authenticate(context.Background(), "eyJhbGciOiJIUzI1NiJ9.e30.x")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestParseOperatorIDs(t *testing.T) {
	set := ParseOperatorIDs(" ops-1 ,ops-2,, ")
	assert.Len(t, set, 2)
	assert.True(t, set.Contains("ops-1"))
	assert.True(t, set.Contains("ops-2"))
	assert.False(t, set.Contains("OPS-1"))
	assert.False(t, set.Contains(""))
	assert.False(t, OperatorSet(nil).Contains("ops-1"))
}
