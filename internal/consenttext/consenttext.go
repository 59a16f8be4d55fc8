// Package consenttext loads the disclosure shown before a consent decision.
package consenttext

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yml
var defaultYAML []byte

// Document is one version of the consent disclosure.
type Document struct {
	Version string `yaml:"version" json:"version"`
	Title   string `yaml:"title" json:"title"`
	Summary string `yaml:"summary" json:"summary"`
	Body    string `yaml:"body" json:"body"`
}

// Snapshot is the exact text stored on a consent record.
func (d Document) Snapshot() string {
	return strings.TrimSpace(d.Title) + "\n\n" + strings.TrimSpace(d.Body)
}

// Parse decodes and validates a YAML document.
func Parse(raw []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("parse consent text: %w", err)
	}
	if strings.TrimSpace(doc.Version) == "" {
		return Document{}, errors.New("consent text: version is required")
	}
	if strings.TrimSpace(doc.Title) == "" || strings.TrimSpace(doc.Body) == "" {
		return Document{}, errors.New("consent text: title and body are required")
	}
	return doc, nil
}

// Default returns the embedded disclosure.
func Default() Document {
	doc, err := Parse(defaultYAML)
	if err != nil {
		panic(err)
	}
	return doc
}

// Load reads the document at path, or the embedded default when path is
// empty.
func Load(path string) (Document, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read consent text %s: %w", path, err)
	}
	return Parse(raw)
}
