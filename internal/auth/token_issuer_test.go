package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mustTokenIssuer(t *testing.T, cfg TokenIssuerConfig) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(cfg)
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesOwnerTokens(t *testing.T) {
	issuer := mustTokenIssuer(t, TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "journal-sync-server",
		Audience:      "journal-sync",
		TokenTTL:      30 * time.Minute,
	})

	tokenString, expiresIn, err := issuer.IssueOwnerToken(context.Background(), "owner-123")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "owner-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "journal-sync-server" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "journal-sync" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name   string
		config TokenIssuerConfig
		want   error
	}{
		{name: "missing secret", config: TokenIssuerConfig{Issuer: "i", Audience: "a"}, want: ErrMissingSigningSecret},
		{name: "missing issuer", config: TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "a"}, want: ErrMissingIssuer},
		{name: "blank audience", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i", Audience: " "}, want: ErrMissingAudience},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(testCase.config); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := mustTokenIssuer(t, TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "journal-sync-server",
		Audience:      "journal-sync",
	})

	tokenString, _, err := issuer.IssueOwnerToken(context.Background(), "owner-321")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	ownerID, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if ownerID != "owner-321" {
		t.Fatalf("unexpected owner %s", ownerID)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for malformed token, got %v", err)
	}
	if _, err := issuer.ValidateToken("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignAndExpiredTokens(t *testing.T) {
	issuedAt := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := mustTokenIssuer(t, TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "journal-sync-server",
		Audience:      "journal-sync",
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return now },
	})
	tokenString, _, err := issuer.IssueOwnerToken(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := mustTokenIssuer(t, TokenIssuerConfig{
		SigningSecret: []byte("different-secret"),
		Issuer:        "journal-sync-server",
		Audience:      "journal-sync",
		Clock:         func() time.Time { return now },
	})
	if _, err := other.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature mismatch to be rejected, got %v", err)
	}

	now = issuedAt.Add(2 * time.Hour)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestIssueOwnerTokenRequiresOwner(t *testing.T) {
	issuer := mustTokenIssuer(t, TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i", Audience: "a"})
	if _, _, err := issuer.IssueOwnerToken(context.Background(), ""); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}
