package dsl

import "fmt"

// ModelDef is either a generative model or an embedding model.
type ModelDef interface {
	Entity
	Type() string

	// Spec returns the fields shared by both variants.
	Spec() *Model
}

// Model declares a generative model. Provider picks the client
// implementation; ProviderModelID names the model on the provider side and
// defaults to the entity id.
type Model struct {
	ID              string         `yaml:"id" json:"id"`
	Provider        string         `yaml:"provider" json:"provider"`
	ProviderModelID string         `yaml:"provider_model_id,omitempty" json:"provider_model_id,omitempty"`
	BaseURL         string         `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	InferenceParams map[string]any `yaml:"inference_params,omitempty" json:"inference_params,omitempty"`
	Auth            Ref            `yaml:"auth,omitempty" json:"auth,omitempty"`
	Retry           *RetryConfig   `yaml:"retry,omitempty" json:"retry,omitempty"`

	entityPos
}

func (m *Model) EntityID() string { return m.ID }
func (m *Model) Type() string     { return "Model" }
func (m *Model) Spec() *Model     { return m }

func (m *Model) SetDefaults() {
	if m.ProviderModelID == "" {
		m.ProviderModelID = m.ID
	}
	if m.Retry != nil {
		m.Retry.SetDefaults()
	}
}

func (m *Model) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("model is missing an id")
	}
	if m.Provider == "" {
		return fmt.Errorf("model '%s' is missing a provider", m.ID)
	}
	if m.Retry != nil {
		if err := m.Retry.Validate(); err != nil {
			return fmt.Errorf("model '%s': %w", m.ID, err)
		}
	}
	return nil
}

// EmbeddingModel declares a model that turns text into vectors. Dimensions
// is the width of the produced vectors and must match any vector index the
// model feeds.
type EmbeddingModel struct {
	Model

	Dimensions int `yaml:"dimensions" json:"dimensions"`
}

func (m *EmbeddingModel) Type() string { return "EmbeddingModel" }

func (m *EmbeddingModel) Validate() error {
	if err := m.Model.Validate(); err != nil {
		return err
	}
	if m.Dimensions <= 0 {
		return fmt.Errorf("embedding model '%s': dimensions must be positive", m.ID)
	}
	return nil
}
