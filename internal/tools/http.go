package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/voicerelay/internal/auth"
	"github.com/ent0n29/voicerelay/internal/reliability"
)

// HTTPGateway calls a remote tool service.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

// StatusError is returned for non-2xx tool service responses.
type StatusError struct {
	Status    int
	Body      string
	Retryable bool
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tool gateway status %d", e.Status)
	}
	return fmt.Sprintf("tool gateway status %d: %s", e.Status, e.Body)
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type listToolsResponse struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"tools"`
}

func (g *HTTPGateway) ListTools(ctx context.Context) ([]Definition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	body, err := g.do(req)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	var out listToolsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	defs := make([]Definition, 0, len(out.Tools))
	for _, t := range out.Tools {
		def := Definition{Name: t.Name, Description: t.Description}
		if len(t.Parameters) > 0 && string(t.Parameters) != "null" {
			var raw any
			if err := json.Unmarshal(t.Parameters, &raw); err != nil {
				return nil, fmt.Errorf("decode parameters for %s: %w", t.Name, err)
			}
			if def.Parameters, err = schemaFromValue(raw); err != nil {
				return nil, fmt.Errorf("decode parameters for %s: %w", t.Name, err)
			}
		}
		defs = append(defs, def)
	}
	return NewSet(defs).Definitions(), nil
}

func (g *HTTPGateway) Execute(ctx context.Context, name string, args json.RawMessage, principal auth.Principal) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	endpoint := g.baseURL + "/tools/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(args))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", principal.UserID)
	req.Header.Set("X-Session-Token", principal.SessionToken)

	body, err := g.do(req)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
		}
		return nil, fmt.Errorf("execute %s: %w", name, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage(`null`), nil
	}
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		return quoted, nil
	}
	return body, nil
}

func (g *HTTPGateway) do(req *http.Request) ([]byte, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{
			Status:    resp.StatusCode,
			Body:      strings.TrimSpace(string(msg)),
			Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode),
		}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}
