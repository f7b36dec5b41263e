// Package embeddings turns text into vectors through remote or local embedding providers.
package embeddings

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cargohub/hub/internal/huberrors"
)

// Provider names.
const (
	ProviderOpenAI = "openai"
	ProviderGoogle = "google"
	ProviderLocal  = "local"
	ProviderHash   = "hash"
)

// DefaultModel is the model used when a request names none.
const DefaultModel = "text-embedding-3-small"

const tokensPerMillion = 1_000_000

// ModelSpec describes one embedding model. Rates are USD per million tokens.
type ModelSpec struct {
	ID             string  `yaml:"id"`
	Provider       string  `yaml:"provider"`
	Dimension      int     `yaml:"dimension"`
	InputRate      float64 `yaml:"input_rate"`
	OutputRate     float64 `yaml:"output_rate"`
	MaxInputTokens int     `yaml:"max_input_tokens"`
	MaxBatchItems  int     `yaml:"max_batch_items"`
}

// Cost returns the price of embedding the given number of input tokens.
func (m ModelSpec) Cost(inputTokens int) float64 {
	return float64(inputTokens) * m.InputRate / tokensPerMillion
}

func (m ModelSpec) validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return errors.New("model id is required")
	case m.Provider == "":
		return fmt.Errorf("model %s: provider is required", m.ID)
	case m.Dimension <= 0:
		return fmt.Errorf("model %s: dimension must be positive", m.ID)
	case m.InputRate < 0 || m.OutputRate < 0:
		return fmt.Errorf("model %s: rates must not be negative", m.ID)
	case m.MaxInputTokens <= 0:
		return fmt.Errorf("model %s: max_input_tokens must be positive", m.ID)
	case m.MaxBatchItems <= 0:
		return fmt.Errorf("model %s: max_batch_items must be positive", m.ID)
	}

	return nil
}

var builtinModels = []ModelSpec{
	{ID: "text-embedding-3-small", Provider: ProviderOpenAI, Dimension: 1536, InputRate: 0.02, MaxInputTokens: 8191, MaxBatchItems: 2048},
	{ID: "text-embedding-3-large", Provider: ProviderOpenAI, Dimension: 3072, InputRate: 0.13, MaxInputTokens: 8191, MaxBatchItems: 2048},
	{ID: "text-embedding-ada-002", Provider: ProviderOpenAI, Dimension: 1536, InputRate: 0.10, MaxInputTokens: 8191, MaxBatchItems: 2048},
	{ID: "gemini-embedding-001", Provider: ProviderGoogle, Dimension: 1536, InputRate: 0.15, MaxInputTokens: 2048, MaxBatchItems: 100},
	{ID: "nomic-embed-text", Provider: ProviderLocal, Dimension: 768, MaxInputTokens: 2048, MaxBatchItems: 64},
	{ID: "hash-embed-v1", Provider: ProviderHash, Dimension: 256, MaxInputTokens: 8192, MaxBatchItems: 256},
}

// Catalog is an immutable table of embedding models. Changing it means building a new Catalog.
type Catalog struct {
	models       map[string]ModelSpec
	defaultModel string
}

// NewCatalog builds a catalog from specs. defaultModel must be one of them.
func NewCatalog(defaultModel string, specs ...ModelSpec) (*Catalog, error) {
	models := make(map[string]ModelSpec, len(specs))

	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			return nil, err
		}

		models[spec.ID] = spec
	}

	if _, ok := models[defaultModel]; !ok {
		return nil, fmt.Errorf("default model %q is not in the catalog", defaultModel)
	}

	return &Catalog{models: models, defaultModel: defaultModel}, nil
}

// DefaultCatalog returns the built-in model table.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultModel, builtinModels...)
	if err != nil {
		panic(err)
	}

	return c
}

type catalogFile struct {
	DefaultModel string      `yaml:"default_model"`
	Models       []ModelSpec `yaml:"models"`
}

// LoadCatalog reads a YAML model table and merges it over the built-in models.
// Entries in the file replace built-ins with the same id.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}

	specs := make([]ModelSpec, 0, len(builtinModels)+len(file.Models))
	specs = append(specs, builtinModels...)
	specs = append(specs, file.Models...)

	defaultModel := file.DefaultModel
	if defaultModel == "" {
		defaultModel = DefaultModel
	}

	return NewCatalog(defaultModel, specs...)
}

// WithDefault returns a copy of the catalog with a different default model.
func (c *Catalog) WithDefault(model string) (*Catalog, error) {
	specs := make([]ModelSpec, 0, len(c.models))
	for _, spec := range c.models {
		specs = append(specs, spec)
	}

	return NewCatalog(model, specs...)
}

// Default returns the default model id.
func (c *Catalog) Default() string {
	return c.defaultModel
}

// Lookup returns the spec for id; an empty id resolves to the default model.
// Unknown ids fail with a validation error.
func (c *Catalog) Lookup(id string) (ModelSpec, error) {
	if id == "" {
		id = c.defaultModel
	}

	spec, ok := c.models[id]
	if !ok {
		return ModelSpec{}, huberrors.NewValidationError("model_id", fmt.Sprintf("unknown model_id: %q", id))
	}

	return spec, nil
}

// Models returns every spec sorted by id.
func (c *Catalog) Models() []ModelSpec {
	out := make([]ModelSpec, 0, len(c.models))
	for _, spec := range c.models {
		out = append(out, spec)
	}

	slices.SortFunc(out, func(a, b ModelSpec) int { return strings.Compare(a.ID, b.ID) })

	return out
}
