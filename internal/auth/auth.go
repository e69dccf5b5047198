package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrRejected means the credential was checked and refused.
	ErrRejected = errors.New("credential rejected")
	// ErrMissingCredential means the handshake carried no credential at all.
	ErrMissingCredential = errors.New("missing credential")
)

// Principal is the authenticated identity bound to a connection.
type Principal struct {
	UserID       string
	SessionToken string
}

// Verifier validates an opaque credential taken from the connection handshake.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Principal, error)
}

// CredentialFromRequest reads the auth cookie, falling back to a bearer token.
func CredentialFromRequest(r *http.Request, cookieName string) string {
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			if v := strings.TrimSpace(c.Value); v != "" {
				return v
			}
		}
	}
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// StaticVerifier accepts a fixed token→user map.
type StaticVerifier struct {
	tokens map[string]string
}

func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticVerifier{tokens: cp}
}

func (v *StaticVerifier) Verify(_ context.Context, credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, ErrMissingCredential
	}
	user, ok := v.tokens[credential]
	if !ok {
		return Principal{}, ErrRejected
	}
	return Principal{UserID: user, SessionToken: credential}, nil
}

// DisabledVerifier admits every connection as the anonymous principal.
type DisabledVerifier struct{}

const AnonymousUser = "anonymous"

func (DisabledVerifier) Verify(_ context.Context, credential string) (Principal, error) {
	return Principal{UserID: AnonymousUser, SessionToken: credential}, nil
}
