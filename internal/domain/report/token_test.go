package report

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

type lookupFunc func(ctx context.Context, token Token) (string, error)

func (f lookupFunc) ReportIDByToken(ctx context.Context, token Token) (string, error) {
	return f(ctx, token)
}

func TestMintProducesUniqueURLSafeTokens(t *testing.T) {
	issuer := NewTokenIssuer(NewMemoryStore())
	seen := make(map[Token]bool)
	for i := 0; i < 1000; i++ {
		tok, err := issuer.Mint()
		if err != nil {
			t.Fatalf("Mint: %v", err)
		}
		if len(tok) != 43 {
			t.Fatalf("token length = %d", len(tok))
		}
		if !tok.wellFormed() || strings.ContainsAny(string(tok), "+/=") {
			t.Fatalf("token %q is not URL safe", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token after %d mints", i)
		}
		seen[tok] = true
	}
}

func TestMintFailsWithoutEntropy(t *testing.T) {
	issuer := &TokenIssuer{entropy: bytes.NewReader(make([]byte, 5))}
	if _, err := issuer.Mint(); err == nil {
		t.Fatal("expected error from short entropy source")
	}
}

func TestResolveMalformedAndUnknownAreIndistinguishable(t *testing.T) {
	calls := 0
	issuer := NewTokenIssuer(lookupFunc(func(context.Context, Token) (string, error) {
		calls++
		return "", ErrNotFound
	}))
	ctx := context.Background()

	unknown, _ := NewTokenIssuer(nil).Mint()
	_, errUnknown := issuer.Resolve(ctx, unknown)

	for _, bad := range []Token{"", "short", Token(strings.Repeat("!", 43)), Token(strings.Repeat("a", 44)), "../../etc/passwd"} {
		_, errMalformed := issuer.Resolve(ctx, bad)
		if errMalformed != errUnknown {
			t.Errorf("token %q: %v differs from unknown-token error %v", bad, errMalformed, errUnknown)
		}
	}
	if errUnknown != ErrNotFound {
		t.Errorf("expected bare ErrNotFound, got %v", errUnknown)
	}
	if calls != 1 {
		t.Errorf("malformed tokens should not reach the store, lookups = %d", calls)
	}
}

func TestResolveWrapsStoreFailures(t *testing.T) {
	boom := errors.New("db down")
	issuer := NewTokenIssuer(lookupFunc(func(context.Context, Token) (string, error) { return "", boom }))
	tok, _ := issuer.Mint()

	_, err := issuer.Resolve(context.Background(), tok)
	if !errors.Is(err, boom) || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestResolveMapsEveryTokenToItsOwnReport(t *testing.T) {
	svc, _, _ := newTestService(scored())
	issuer := NewTokenIssuer(svc.store)
	ctx := context.Background()

	reports := make([]*Report, 0, 5)
	for _, id := range []string{"P1", "P1", "P2", "P3", "P3"} {
		r, err := svc.Create(ctx, operator, createInput(id))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		reports = append(reports, r)
	}

	for _, r := range reports {
		_, _ = svc.Finalize(ctx, operator, r.ID, "final")
		grant, err := issuer.Resolve(ctx, r.PatientToken)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if grant.ReportID() != r.ID {
			t.Fatalf("token of %s resolved to %s", r.ID, grant.ReportID())
		}
		got, _ := svc.Get(ctx, r.ID)
		if got.PatientToken != r.PatientToken {
			t.Fatal("token changed after edits")
		}
	}
}
