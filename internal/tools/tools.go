package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/ent0n29/voicerelay/internal/auth"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Definition describes one callable tool.
type Definition struct {
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description,omitempty" yaml:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty" yaml:"-"`
}

// Gateway lists and executes tools on behalf of a principal.
type Gateway interface {
	ListTools(ctx context.Context) ([]Definition, error)
	Execute(ctx context.Context, name string, args json.RawMessage, principal auth.Principal) (json.RawMessage, error)
}

// Set is an immutable snapshot of tool definitions keyed by name.
type Set struct {
	byName map[string]Definition
}

func NewSet(defs []Definition) Set {
	s := Set{byName: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			continue
		}
		d.Name = name
		s.byName[name] = d
	}
	return s
}

func (s Set) Has(name string) bool {
	_, ok := s.byName[strings.TrimSpace(name)]
	return ok
}

func (s Set) Len() int { return len(s.byName) }

// Definitions returns the set sorted by name.
func (s Set) Definitions() []Definition {
	out := make([]Definition, 0, len(s.byName))
	for _, d := range s.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParametersJSON renders a definition's parameters schema, defaulting to an
// empty object schema. An empty jsonschema.Schema marshals to `true`, which
// function-calling upstreams reject.
func (d Definition) ParametersJSON() json.RawMessage {
	if d.Parameters != nil {
		if raw, err := json.Marshal(d.Parameters); err == nil && string(raw) != "true" {
			return raw
		}
	}
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

type errorPayload struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ErrorPayload is the JSON body sent upstream when a tool call fails. It is
// marked retryable when the tool service reported a transient failure.
func ErrorPayload(err error) json.RawMessage {
	p := errorPayload{Error: err.Error()}
	var se *StatusError
	if errors.As(err, &se) {
		p.Retryable = se.Retryable
	}
	raw, _ := json.Marshal(p)
	return raw
}

func schemaFromValue(v any) (*jsonschema.Schema, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &jsonschema.Schema{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}
