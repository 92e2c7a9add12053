package vectordb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadKnowledgeBase reads seed documents from a JSON array, or a YAML sequence
// when the file ends in .yaml or .yml. Documents without an id get
// "doc_<index>"; empty content is skipped.
func LoadKnowledgeBase(path string) ([]Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge base: %w", err)
	}
	var docs []Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &docs)
	default:
		err = json.Unmarshal(raw, &docs)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid knowledge base %s: %w", path, err)
	}
	out := make([]Document, 0, len(docs))
	for i, d := range docs {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		if d.ID == "" {
			d.ID = fmt.Sprintf("doc_%d", i)
		}
		out = append(out, d)
	}
	return out, nil
}
