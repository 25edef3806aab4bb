package report

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// tokenBytes of entropy behind every patient token (256 bits).
const tokenBytes = 32

var tokenLen = base64.RawURLEncoding.EncodedLen(tokenBytes)

// Token is the opaque bearer capability that grants read and chat access to
// exactly one report. It must never be logged.
type Token string

func (t Token) wellFormed() bool {
	if len(t) != tokenLen {
		return false
	}
	for i := 0; i < len(t); i++ {
		c := t[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// TokenLookup maps a token to the id of the report it was minted for.
type TokenLookup interface {
	ReportIDByToken(ctx context.Context, token Token) (string, error)
}

// Grant is proof that a token resolved to a report. It can only be obtained
// from TokenIssuer.Resolve, so code holding a Grant cannot address any other
// report.
type Grant struct {
	reportID string
}

// ReportID returns the report this grant is scoped to.
func (g Grant) ReportID() string { return g.reportID }

// TokenIssuer mints and resolves patient tokens.
type TokenIssuer struct {
	lookup  TokenLookup
	entropy io.Reader
}

// NewTokenIssuer creates an issuer backed by crypto/rand.
func NewTokenIssuer(lookup TokenLookup) *TokenIssuer {
	return &TokenIssuer{lookup: lookup, entropy: rand.Reader}
}

// Mint returns a fresh URL-safe token.
func (i *TokenIssuer) Mint() (Token, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(i.entropy, buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return Token(base64.RawURLEncoding.EncodeToString(buf)), nil
}

// Resolve looks a token up. Malformed and unknown tokens both yield
// ErrNotFound, unwrapped, so callers cannot tell them apart.
func (i *TokenIssuer) Resolve(ctx context.Context, token Token) (Grant, error) {
	if !token.wellFormed() {
		return Grant{}, ErrNotFound
	}
	id, err := i.lookup.ReportIDByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return Grant{}, ErrNotFound
	}
	if err != nil {
		return Grant{}, fmt.Errorf("resolve token: %w", err)
	}
	return Grant{reportID: id}, nil
}
