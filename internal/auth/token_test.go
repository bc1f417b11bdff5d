package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123"

func TestIssueVerifyRoundTrip(t *testing.T) {
	iss := NewIssuer(secret, time.Hour)
	tok, err := iss.Issue("drop1", "E")
	require.NoError(t, err)

	claims, err := NewVerifier(secret).Verify(tok, "drop1")
	require.NoError(t, err)
	require.Equal(t, "E", claims.Participant)
	require.True(t, Usable(tok, time.Now()))
}

func TestVerifyRejects(t *testing.T) {
	iss := NewIssuer(secret, time.Hour)
	tok, err := iss.Issue("drop1", "E")
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		_, err := NewVerifier("another-secret-value").Verify(tok, "drop1")
		require.ErrorIs(t, err, ErrInvalid)
	})
	t.Run("wrong room", func(t *testing.T) {
		_, err := NewVerifier(secret).Verify(tok, "drop2")
		require.ErrorIs(t, err, ErrScope)
	})
	t.Run("expired", func(t *testing.T) {
		v := NewVerifier(secret)
		v.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := v.Verify(tok, "drop1")
		require.ErrorIs(t, err, ErrExpired)
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := NewVerifier(secret).Verify("abc.def", "drop1")
		require.ErrorIs(t, err, ErrInvalid)
	})
}

func TestUsable(t *testing.T) {
	iss := NewIssuer(secret, time.Minute)
	tok, err := iss.Issue("", "M")
	require.NoError(t, err)

	require.True(t, Usable(tok, time.Now()))
	require.False(t, Usable(tok, time.Now().Add(2*time.Minute)))
	require.False(t, Usable("", time.Now()))
	require.False(t, Usable("not-a-token", time.Now()))
}

func TestReauthURL(t *testing.T) {
	require.Equal(t, "/unlock", ReauthURL("/unlock", ""))
	require.Equal(t, "/unlock?next=%2Fdrop%2Fx", ReauthURL("/unlock", "/drop/x"))
}

func TestParseIgnoresRoom(t *testing.T) {
	tok, err := NewIssuer(secret, time.Hour).Issue("drop1", "M")
	require.NoError(t, err)

	claims, err := NewVerifier(secret).Parse(tok)
	require.NoError(t, err)
	require.Equal(t, "drop1", claims.Room)

	_, err = NewVerifier(secret).Parse("  ")
	require.ErrorIs(t, err, ErrInvalid)
}
