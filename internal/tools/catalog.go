package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/voicerelay/internal/auth"
)

type catalogFile struct {
	Tools []catalogTool `yaml:"tools"`
}

type catalogTool struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Parameters  any    `yaml:"parameters"`
	Result      any    `yaml:"result"`
	Error       string `yaml:"error"`
}

// LoadCatalog reads a YAML tool catalog into a Registry whose tools return
// canned results. It backs the development gateway mode.
func LoadCatalog(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool catalog: %w", err)
	}

	reg := NewRegistry()
	for i, t := range file.Tools {
		schema, err := schemaFromValue(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool catalog entry %d (%s): parameters: %w", i, t.Name, err)
		}
		result, err := json.Marshal(t.Result)
		if err != nil {
			return nil, fmt.Errorf("tool catalog entry %d (%s): result: %w", i, t.Name, err)
		}
		def := Definition{Name: t.Name, Description: t.Description, Parameters: schema}
		if err := reg.Register(def, cannedExecutor(result, t.Error)); err != nil {
			return nil, fmt.Errorf("tool catalog entry %d: %w", i, err)
		}
	}
	return reg, nil
}

func cannedExecutor(result json.RawMessage, failure string) ExecutorFunc {
	return func(ctx context.Context, _ json.RawMessage, _ auth.Principal) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if failure != "" {
			return nil, errors.New(failure)
		}
		return result, nil
	}
}
