package dsl

import "fmt"

// IndexDef is a declared vector or document index.
type IndexDef interface {
	Entity
	Type() string

	// Meta returns the fields shared by both index variants.
	Meta() *IndexMeta
}

// IndexMeta carries the identity and backend settings common to both index
// variants. Name is the collection or table on the backend side and defaults
// to the entity id. Args passes backend-specific settings through untouched.
type IndexMeta struct {
	ID   string         `yaml:"id" json:"id"`
	Name string         `yaml:"name,omitempty" json:"name,omitempty"`
	Auth Ref            `yaml:"auth,omitempty" json:"auth,omitempty"`
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`

	entityPos
}

func (m *IndexMeta) EntityID() string { return m.ID }
func (m *IndexMeta) Meta() *IndexMeta { return m }

func (m *IndexMeta) SetDefaults() {
	if m.Name == "" {
		m.Name = m.ID
	}
}

func (m *IndexMeta) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("index is missing an id")
	}
	return nil
}

// VectorIndex stores embeddings and answers nearest-neighbor queries.
// EmbeddingModel fixes the vector width every upsert and query must match.
type VectorIndex struct {
	IndexMeta

	Provider       string `yaml:"provider,omitempty" json:"provider,omitempty"`
	EmbeddingModel Ref    `yaml:"embedding_model" json:"embedding_model"`
}

func (i *VectorIndex) Type() string { return "VectorIndex" }

func (i *VectorIndex) SetDefaults() {
	i.IndexMeta.SetDefaults()
	if i.Provider == "" {
		i.Provider = "chromem"
	}
}

func (i *VectorIndex) Validate() error {
	if err := i.IndexMeta.Validate(); err != nil {
		return err
	}
	if i.EmbeddingModel.IsZero() {
		return fmt.Errorf("vector index '%s' is missing an embedding_model", i.ID)
	}
	return nil
}

// DocumentIndex stores documents for keyword search.
type DocumentIndex struct {
	IndexMeta

	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

func (i *DocumentIndex) Type() string { return "DocumentIndex" }

func (i *DocumentIndex) SetDefaults() {
	i.IndexMeta.SetDefaults()
	if i.Provider == "" {
		i.Provider = "memory"
	}
}
