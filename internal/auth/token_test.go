package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignAndVerify(t *testing.T) {
	v := NewVerifier("secret", "https://idp.example")
	token, err := v.Sign(Identity{Key: "Alice@X.com", Name: "Alice", Avatar: "https://img/a.png"}, time.Hour)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Key != "alice@x.com" || id.Name != "Alice" || id.Avatar != "https://img/a.png" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier("secret", "")
	token, err := v.Sign(Identity{Key: "alice@x.com"}, -time.Minute)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if _, err := v.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyRejectsWrongSecretAndIssuer(t *testing.T) {
	token, _ := NewVerifier("other", "https://idp.example").Sign(Identity{Key: "alice@x.com"}, time.Hour)
	if _, err := NewVerifier("secret", "https://idp.example").Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	token, _ = NewVerifier("secret", "https://evil.example").Sign(Identity{Key: "alice@x.com"}, time.Hour)
	if _, err := NewVerifier("secret", "https://idp.example").Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong issuer, got %v", err)
	}
}

func TestVerifyRequiresVerifiedEmail(t *testing.T) {
	secret := []byte("secret")
	sign := func(c Claims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))
	v := NewVerifier("secret", "")

	unverified := sign(Claims{Email: "bob@x.com", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}})
	if _, err := v.Verify(unverified); !errors.Is(err, ErrUnverifiedEmail) {
		t.Fatalf("expected ErrUnverifiedEmail, got %v", err)
	}

	noEmail := sign(Claims{EmailVerified: true, RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}})
	if _, err := v.Verify(noEmail); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	noExpiry := sign(Claims{Email: "bob@x.com", EmailVerified: true})
	if _, err := v.Verify(noExpiry); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken without exp, got %v", err)
	}

	id, err := v.Verify(sign(Claims{Email: "bob@x.com", EmailVerified: true, RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Name != "bob@x.com" {
		t.Fatalf("expected name to fall back to email, got %q", id.Name)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v := NewVerifier("secret", "")
	for _, token := range []string{"", "abc", "a.b.c"} {
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify(%q) expected ErrInvalidToken, got %v", token, err)
		}
	}
}
