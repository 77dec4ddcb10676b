package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// ParseBoundaries decodes a boundary definition document, YAML first with a
// JSON fallback, and validates every entry. Duplicate ids reject the whole
// document.
func ParseBoundaries(data []byte) ([]*domain.Boundary, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		if jsonErr := json.Unmarshal(data, &file); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse registry file: %v", err)
		}
	}

	seen := make(map[string]struct{}, len(file.Boundaries))
	out := make([]*domain.Boundary, 0, len(file.Boundaries))
	for _, boundary := range file.Boundaries {
		if err := ValidateBoundary(boundary); err != nil {
			return nil, err
		}
		if _, dup := seen[boundary.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate boundary id %s", domain.ErrValidation, boundary.ID)
		}
		seen[boundary.ID] = struct{}{}
		out = append(out, boundary.Clone())
	}
	return out, nil
}

// LoadFile reads and parses one boundary definition file. Callers that do
// not need hot reload seed a Memory registry with the result.
func LoadFile(path string) ([]*domain.Boundary, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	boundaries, err := ParseBoundaries(data)
	if err != nil {
		return nil, fmt.Errorf("registry file %s: %w", path, err)
	}
	return boundaries, nil
}
