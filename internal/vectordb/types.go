package vectordb

import "time"

// Config controls Qdrant client behavior
type Config struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
	// Collection holds the math knowledge base and verified solutions
	Collection string `mapstructure:"collection" yaml:"collection"`
	// Search params
	TopK      int           `mapstructure:"top_k" yaml:"top_k"`
	Threshold float64       `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Expected embedding dimension; 0 accepts whatever the first embedding has
	ExpectedEmbeddingDim int `mapstructure:"expected_embedding_dim" yaml:"expected_embedding_dim"`
	// KnowledgePath is a JSON file of documents seeded at startup
	KnowledgePath string `mapstructure:"knowledge_path" yaml:"knowledge_path"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "http://localhost:6333"
	}
	if c.Collection == "" {
		c.Collection = "math_knowledge"
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Document is a knowledge entry stored in the index.
type Document struct {
	ID       string                 `json:"id" yaml:"id"`
	Content  string                 `json:"content" yaml:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata"`
}

// ScoredDocument is a retrieval hit.
type ScoredDocument struct {
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata"`
}

// UpsertItem represents a single point to insert into Qdrant
type UpsertItem struct {
	ID      interface{}            `json:"id,omitempty"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertResponse captures basic Qdrant upsert response
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}
