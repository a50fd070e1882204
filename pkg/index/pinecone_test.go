package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPineconeRequiresAPIKey(t *testing.T) {
	_, err := newPinecone(vectorDef(t, "pinecone", nil), Options{})
	assert.ErrorContains(t, err, "requires an api key")
}

func TestPineconeMetadataCarriesContent(t *testing.T) {
	metadata, err := pineconeMetadata(Item{
		ID:       "chunk-1",
		Content:  "alpha",
		Metadata: map[string]any{"lang": "go", "stars": 42},
	})
	require.NoError(t, err)

	fields := metadata.AsMap()
	assert.Equal(t, "alpha", fields["content"])
	assert.Equal(t, "go", fields["lang"])
	assert.Equal(t, float64(42), fields["stars"])
}
