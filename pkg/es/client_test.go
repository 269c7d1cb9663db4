package es

import (
	"encoding/json"
	"testing"
)

func TestChunkMappingDims(t *testing.T) {
	for _, dims := range []int{1536, 384} {
		var m struct {
			Mappings struct {
				Properties map[string]struct {
					Type string `json:"type"`
					Dims int    `json:"dims"`
				} `json:"properties"`
			} `json:"mappings"`
		}
		if err := json.Unmarshal([]byte(ChunkMapping(dims)), &m); err != nil {
			t.Fatalf("mapping is not valid JSON: %v", err)
		}
		emb := m.Mappings.Properties["embedding"]
		if emb.Type != "dense_vector" || emb.Dims != dims {
			t.Errorf("embedding mapping = %+v, want dense_vector with dims %d", emb, dims)
		}
		if m.Mappings.Properties["document_slug"].Type != "keyword" {
			t.Errorf("document_slug must be a keyword field")
		}
	}
}
