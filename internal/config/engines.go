package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/enginebridge/internal/model"
)

// Catalogue is the engines file.
type Catalogue struct {
	Engines []model.EngineConfig `yaml:"engines"`
}

// LoadEngines reads the engine catalogue at path.
func LoadEngines(path string) ([]model.EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engines file: %w", err)
	}
	engines, err := ParseEngines(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return engines, nil
}

// ParseEngines decodes a catalogue, rejecting unknown fields, and checks
// that every engine has a valid, unique id.
func ParseEngines(r io.Reader) ([]model.EngineConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c Catalogue
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode catalogue: %w", err)
	}

	seen := make(map[string]bool, len(c.Engines))
	for i, e := range c.Engines {
		if !model.ValidEngineID(e.ID) {
			return nil, fmt.Errorf("engine %d: invalid id %q", i, e.ID)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("engine %q declared twice", e.ID)
		}
		seen[e.ID] = true
		if e.Protocol == "" {
			c.Engines[i].Protocol = model.ProtocolUCI
		}
	}
	return c.Engines, nil
}

// LoadSearches reads a YAML list of search requests, as used for batches.
func LoadSearches(path string) ([]model.SearchOptions, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open searches file: %w", err)
	}
	defer f.Close()
	return ParseSearches(f)
}

// ParseSearches decodes a YAML list of search requests.
func ParseSearches(r io.Reader) ([]model.SearchOptions, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var searches []model.SearchOptions
	if err := dec.Decode(&searches); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode searches: %w", err)
	}
	for i, s := range searches {
		if s.Position == "" {
			return nil, fmt.Errorf("search %d: position is required", i)
		}
	}
	return searches, nil
}
