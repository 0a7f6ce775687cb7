package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "veriface-auth",
		Audience:      "veriface-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueSessionTokenRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(fixedClock(now))

	token, expiresIn, err := issuer.IssueSessionToken(context.Background(), "id-1", "ada@example.com", "Ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if claims.Subject != "id-1" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Email != "ada@example.com" || claims.Name != "Ada" {
		t.Fatalf("unexpected profile claims %q %q", claims.Email, claims.Name)
	}
}

func TestIssueSessionTokenRequiresSubject(t *testing.T) {
	issuer := newTestIssuer(fixedClock(time.Unix(1700000000, 0).UTC()))

	if _, _, err := issuer.IssueSessionToken(context.Background(), "", "ada@example.com", "Ada"); err == nil {
		t.Fatalf("expected missing subject error")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	issued := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(fixedClock(issued))

	token, _, err := issuer.IssueSessionToken(context.Background(), "id-1", "ada@example.com", "Ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	later := newTestIssuer(fixedClock(issued.Add(31 * time.Minute)))
	if _, err := later.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateTokenRejectsWrongAudience(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "veriface-auth",
		Audience:      "other-api",
		TokenTTL:      30 * time.Minute,
		Clock:         fixedClock(now),
	})

	token, _, err := other.IssueSessionToken(context.Background(), "id-1", "ada@example.com", "Ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	issuer := newTestIssuer(fixedClock(now))
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected audience mismatch to be rejected")
	}
}

func TestValidateTokenRejectsUnexpectedAlgorithm(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(fixedClock(now))

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "id-1",
		Issuer:    "veriface-auth",
		Audience:  []string{"veriface-api"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("unexpected signing error: %v", err)
	}

	_, err = issuer.ValidateToken(token)
	if err == nil {
		t.Fatalf("expected algorithm rejection")
	}
	if !strings.Contains(err.Error(), "algorithm") {
		t.Fatalf("expected algorithm error, got %v", err)
	}
}
