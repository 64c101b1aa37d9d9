package model

import (
	"fmt"
	"regexp"
	"sort"
)

// Resource type constants.
const (
	ResourceScript = "script"
	ResourceWasm   = "wasm"
	ResourceBinary = "binary"
	ResourceAsset  = "asset"
)

// Protocol family constants.
const (
	ProtocolUCI  = "uci"
	ProtocolUSI  = "usi"
	ProtocolJSON = "json"
)

// DefaultPrimaryRole is the source role the channel is opened against when
// EngineConfig.PrimaryRole is empty.
const DefaultPrimaryRole = "main"

var engineIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// SourceConfig describes one fetchable engine resource.
type SourceConfig struct {
	URL          string `json:"url" yaml:"url"`
	Type         string `json:"type" yaml:"type"`
	SRI          string `json:"sri,omitempty" yaml:"sri,omitempty"`
	UnsafeBypass bool   `json:"unsafe_bypass,omitempty" yaml:"unsafe_bypass,omitempty"`
	MountPath    string `json:"mount_path,omitempty" yaml:"mount_path,omitempty"`
	Size         int64  `json:"size,omitempty" yaml:"size,omitempty"`
}

// EngineConfig describes one engine instance.
type EngineConfig struct {
	ID          string                  `json:"id" yaml:"id"`
	Name        string                  `json:"name,omitempty" yaml:"name,omitempty"`
	Protocol    string                  `json:"protocol" yaml:"protocol"`
	Sources     map[string]SourceConfig `json:"sources" yaml:"sources"`
	PrimaryRole string                  `json:"primary_role,omitempty" yaml:"primary_role,omitempty"`

	// Endpoint overrides the channel target. Empty means the primary
	// resource's local handle.
	Endpoint string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"`

	Disclaimer string `json:"disclaimer,omitempty" yaml:"disclaimer,omitempty"`
	LicenseURL string `json:"license_url,omitempty" yaml:"license_url,omitempty"`

	RequiredCapabilities []string          `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	RecommendedOptions   map[string]string `json:"recommended_options,omitempty" yaml:"recommended_options,omitempty"`
}

// ValidEngineID reports whether id is an acceptable engine identifier.
func ValidEngineID(id string) bool {
	return engineIDPattern.MatchString(id)
}

// RequiresConsent reports whether loading must wait for user consent.
func (c EngineConfig) RequiresConsent() bool {
	return c.Disclaimer != "" || c.LicenseURL != ""
}

// Primary returns the role the channel is opened against.
func (c EngineConfig) Primary() string {
	if c.PrimaryRole != "" {
		return c.PrimaryRole
	}
	return DefaultPrimaryRole
}

// Roles returns the source roles in a stable order.
func (c EngineConfig) Roles() []string {
	roles := make([]string, 0, len(c.Sources))
	for r := range c.Sources {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// HasMounts reports whether any source declares a mount path.
func (c EngineConfig) HasMounts() bool {
	for _, s := range c.Sources {
		if s.MountPath != "" {
			return true
		}
	}
	return false
}

// CheckIntegrity verifies the integrity descriptor of a single source: exactly
// one of SRI or UnsafeBypass, and no bypass when production is set.
func (s SourceConfig) CheckIntegrity(production bool) error {
	switch {
	case s.SRI != "" && s.UnsafeBypass:
		return fmt.Errorf("source %q declares both sri and unsafe_bypass", s.URL)
	case s.SRI == "" && !s.UnsafeBypass:
		return fmt.Errorf("source %q has no sri", s.URL)
	case s.UnsafeBypass && production:
		return fmt.Errorf("source %q uses unsafe_bypass in production", s.URL)
	}
	return nil
}
