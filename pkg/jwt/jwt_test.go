package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RoundTrip(t *testing.T) {
	m, err := NewManager("secret", time.Minute, "cohost")
	require.NoError(t, err)

	token, exp, err := m.GenerateToken("u1", "alice", []string{"broadcaster"})
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "u1", claims.UserID)
	assert.True(t, claims.HasRole("broadcaster"))
	assert.False(t, claims.HasRole("admin"))
}

func TestManager_RejectsForeignSecret(t *testing.T) {
	a, _ := NewManager("secret-a", time.Minute, "cohost")
	b, _ := NewManager("secret-b", time.Minute, "cohost")

	token, _, err := a.GenerateToken("u1", "alice", nil)
	require.NoError(t, err)

	_, err = b.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_Expired(t *testing.T) {
	m, _ := NewManager("secret", time.Nanosecond, "")
	token, _, err := m.GenerateToken("u1", "alice", nil)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestNewManager_EmptySecret(t *testing.T) {
	_, err := NewManager("", time.Minute, "")
	assert.ErrorIs(t, err, ErrMissingKey)
}
