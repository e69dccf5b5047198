package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPVerifier introspects credentials against an external auth endpoint.
type HTTPVerifier struct {
	url    string
	client *http.Client
}

func NewHTTPVerifier(url string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

type introspectRequest struct {
	Credential string `json:"credential"`
}

type introspectResponse struct {
	UserID       string `json:"user_id"`
	SessionToken string `json:"session_token"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, ErrMissingCredential
	}
	body, err := json.Marshal(introspectRequest{Credential: credential})
	if err != nil {
		return Principal{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return Principal{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Principal{}, fmt.Errorf("auth introspection: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Principal{}, ErrRejected
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Principal{}, fmt.Errorf("auth introspection status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out introspectResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return Principal{}, fmt.Errorf("decode auth introspection: %w", err)
	}
	if strings.TrimSpace(out.UserID) == "" {
		return Principal{}, ErrRejected
	}
	if out.SessionToken == "" {
		out.SessionToken = credential
	}
	return Principal{UserID: out.UserID, SessionToken: out.SessionToken}, nil
}
