package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateToken(t *testing.T) {
	m, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, exp, err := m.IssueToken("ops-team")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-team", claims.Owner)
	assert.Equal(t, "graphrun", claims.Issuer)
}

func TestValidateTokenRejectsForeignKey(t *testing.T) {
	m1, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	m2, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := m1.IssueToken("ops-team")
	require.NoError(t, err)

	_, err = m2.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	m, err := NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := m.IssueToken("ops-team")
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	m, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	_, err = m.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("sk-secret-key")
	require.NoError(t, err)

	ok, err := VerifyAPIKey("sk-secret-key", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("sk-wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAPIKeyBadFormat(t *testing.T) {
	_, err := VerifyAPIKey("key", "no-dollar-sign")
	assert.Error(t, err)
}
