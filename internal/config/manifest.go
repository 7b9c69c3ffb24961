package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/renderwatch/internal/domain/tasks"
)

// Manifest lists the items of one pipeline run.
type Manifest struct {
	// ScopeID overrides Config.ScopeID when set.
	ScopeID string         `yaml:"scope_id,omitempty"`
	Items   []ManifestItem `yaml:"items" validate:"min=1,unique=ID,dive"`
}

// ManifestItem is one generation request.
type ManifestItem struct {
	ID     string            `yaml:"id" validate:"required"`
	Prompt string            `yaml:"prompt,omitempty"`
	Params map[string]string `yaml:"params,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the item takes part in the combination.
func (i ManifestItem) IsEnabled() bool { return i.Enabled == nil || *i.Enabled }

// ItemID returns the typed id.
func (i ManifestItem) ItemID() tasks.ItemID { return tasks.ItemID(i.ID) }

// SubmitParams returns the submission parameters with the prompt folded in.
func (i ManifestItem) SubmitParams() map[string]string {
	out := make(map[string]string, len(i.Params)+1)
	for k, v := range i.Params {
		out[k] = v
	}
	if i.Prompt != "" {
		out["prompt"] = i.Prompt
	}
	return out
}

// LoadManifest reads and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

// ParseManifest decodes and validates a YAML manifest. Unknown fields are
// rejected to catch typos such as "enable".
func ParseManifest(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}
