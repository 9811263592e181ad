package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestSignVerifyRoundTrip(t *testing.T) {
	token, err := Sign("user-1", "pk-abc", testSecret, "podcomm", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := Verify(token, testSecret)
	require.NoError(t, err)

	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "pk-abc", claims.PublicKey)
	assert.Equal(t, "podcomm", claims.Issuer)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestVerifyWrongSecret(t *testing.T) {
	token, err := Sign("user-1", "pk-abc", testSecret, "podcomm", time.Hour)
	require.NoError(t, err)

	_, err = Verify(token, "other-secret")
	assert.Error(t, err)
}

func TestVerifyExpired(t *testing.T) {
	token, err := Sign("user-1", "pk-abc", testSecret, "podcomm", -time.Minute)
	require.NoError(t, err)

	_, err = Verify(token, testSecret)
	assert.Error(t, err)
}

func TestVerifyGarbage(t *testing.T) {
	_, err := Verify("not-a-token", testSecret)
	assert.Error(t, err)
}
