package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	s := NewSigner("secret", "blockcollab")
	tok, exp, err := s.SignAccessToken("alice", "Alice", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := s.ParseAccessToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "Alice", claims.Username)
	assert.Equal(t, "alice", claims.Subject)
}

func TestParseRejects(t *testing.T) {
	s := NewSigner("secret", "blockcollab")

	refresh, _, err := s.SignRefreshToken("alice", "Alice", time.Hour)
	require.NoError(t, err)
	_, err = s.ParseAccessToken(refresh)
	require.ErrorIs(t, err, ErrWrongTokenType)
	_, err = s.ParseToken(refresh)
	require.NoError(t, err)

	other, _, err := NewSigner("other", "blockcollab").SignAccessToken("alice", "", time.Hour)
	require.NoError(t, err)
	_, err = s.ParseToken(other)
	require.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	foreign, _, err := NewSigner("secret", "elsewhere").SignAccessToken("alice", "", time.Hour)
	require.NoError(t, err)
	_, err = s.ParseToken(foreign)
	require.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)

	past := NewSigner("secret", "blockcollab")
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, err := past.SignAccessToken("alice", "", time.Hour)
	require.NoError(t, err)
	_, err = s.ParseToken(expired)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, _, err = s.SignAccessToken("", "", time.Hour)
	require.Error(t, err)
	_, err = s.ParseToken("not-a-token")
	require.Error(t, err)
}
