package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTokenRoundTripsThroughValidate(t *testing.T) {
	tm := NewTokenManager()

	jt, err := tm.GenerateToken("worker", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, jt.Token)

	role, err := tm.ValidateToken(jt.Token)
	require.NoError(t, err)
	assert.Equal(t, "worker", role)
}

func TestValidateTokenRejectsUnknownToken(t *testing.T) {
	tm := NewTokenManager()
	_, err := tm.ValidateToken("does-not-exist")
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	tm := NewTokenManager()
	jt, err := tm.GenerateToken("manager", -time.Second)
	require.NoError(t, err)

	_, err = tm.ValidateToken(jt.Token)
	assert.Error(t, err)
}

func TestRevokeTokenInvalidatesIt(t *testing.T) {
	tm := NewTokenManager()
	jt, err := tm.GenerateToken("admin", time.Hour)
	require.NoError(t, err)

	tm.RevokeToken(jt.Token)

	_, err = tm.ValidateToken(jt.Token)
	assert.Error(t, err)
}

func TestCleanupExpiredTokensRemovesOnlyExpired(t *testing.T) {
	tm := NewTokenManager()
	expired, err := tm.GenerateToken("worker", -time.Second)
	require.NoError(t, err)
	live, err := tm.GenerateToken("worker", time.Hour)
	require.NoError(t, err)

	tm.CleanupExpiredTokens()

	tokens := tm.ListTokens()
	require.Len(t, tokens, 1)
	assert.Equal(t, live.Token, tokens[0].Token)

	_, err = tm.ValidateToken(expired.Token)
	assert.Error(t, err)
}
