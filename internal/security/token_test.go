package security_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime_go/internal/domain"
	"realtime_go/internal/security"
)

func TestAuthenticate(t *testing.T) {
	svc := security.NewTokenService("secret", "realtime")
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		want := domain.Identity{UserID: "u1", DisplayName: "Alice", Avatar: "a.png"}
		tok, err := svc.Sign(want, time.Hour)
		require.NoError(t, err)

		got, err := svc.Authenticate(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("Expired", func(t *testing.T) {
		tok, err := svc.Sign(domain.Identity{UserID: "u1"}, -time.Minute)
		require.NoError(t, err)
		_, err = svc.Authenticate(ctx, tok)
		assert.ErrorIs(t, err, domain.ErrAuthenticationRequired)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other := security.NewTokenService("other", "realtime")
		tok, err := other.Sign(domain.Identity{UserID: "u1"}, time.Hour)
		require.NoError(t, err)
		_, err = svc.Authenticate(ctx, tok)
		assert.ErrorIs(t, err, domain.ErrAuthenticationRequired)
	})

	t.Run("WrongIssuer", func(t *testing.T) {
		other := security.NewTokenService("secret", "someone-else")
		tok, err := other.Sign(domain.Identity{UserID: "u1"}, time.Hour)
		require.NoError(t, err)
		_, err = svc.Authenticate(ctx, tok)
		assert.ErrorIs(t, err, domain.ErrAuthenticationRequired)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "")
		assert.ErrorIs(t, err, domain.ErrAuthenticationRequired)
		assert.Equal(t, domain.CodeAuthenticationRequired, domain.CodeOf(err))
	})

	t.Run("NoSubject", func(t *testing.T) {
		tok, err := svc.Sign(domain.Identity{}, time.Hour)
		require.NoError(t, err)
		_, err = svc.Authenticate(ctx, tok)
		assert.ErrorIs(t, err, domain.ErrAuthenticationRequired)
	})
}
