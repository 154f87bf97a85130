package receipt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	audienceAPI  = "api"
	audienceFile = "file"
)

// ErrInvalidToken is returned when a bearer or file token fails verification
var ErrInvalidToken = errors.New("invalid token")

// Tokens issues and verifies HS256 tokens for API identity and signed file URLs
type Tokens struct {
	secret []byte
	issuer string
}

// NewTokens creates a Tokens with the given shared secret
func NewTokens(secret, issuer string) *Tokens {
	return &Tokens{secret: []byte(secret), issuer: issuer}
}

// IssueSubject creates an API token identifying subject
func (t *Tokens) IssueSubject(subject string, ttl time.Duration) (string, error) {
	return t.sign(subject, audienceAPI, ttl)
}

// Subject verifies an API token and returns its subject
func (t *Tokens) Subject(token string) (string, error) {
	return t.verify(token, audienceAPI)
}

// SignFile creates a token granting read access to a stored file handle
func (t *Tokens) SignFile(handle string, ttl time.Duration) (string, error) {
	return t.sign(handle, audienceFile, ttl)
}

// VerifyFile checks that token grants access to handle
func (t *Tokens) VerifyFile(handle, token string) error {
	subject, err := t.verify(token, audienceFile)
	if err != nil {
		return err
	}
	if subject != handle {
		return fmt.Errorf("%w: handle mismatch", ErrInvalidToken)
	}
	return nil
}

func (t *Tokens) sign(subject, audience string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    t.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (t *Tokens) verify(token, audience string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.VerifyAudience(audience, true) {
		return "", fmt.Errorf("%w: wrong audience", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

type subjectKey struct{}

// WithSubject returns a context carrying the authenticated subject id
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFrom returns the authenticated subject id from ctx
func SubjectFrom(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectKey{}).(string)
	return subject, ok && subject != ""
}

// bearerToken extracts the token from an "Authorization: Bearer" header
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return token, token != ""
}
