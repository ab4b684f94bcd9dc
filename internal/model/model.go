package model

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceTree is a watched repository. Records are keyed by URL.
type SourceTree struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	URL       string    `gorm:"uniqueIndex;not null;size:512" json:"url"`
	LastWatch time.Time `json:"last_watch"`
	CreatedAt time.Time `json:"created_at"`
}

// StackStatus is the lifecycle state of a deployed stack.
type StackStatus string

const (
	StackStopped  StackStatus = "stopped"
	StackDeployed StackStatus = "deployed"
	StackError    StackStatus = "error"
)

// Stack is the last known deployed state of one stack of a source tree.
type Stack struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	Name         string      `gorm:"uniqueIndex:idx_stack_source;not null;size:128" json:"name"`
	SourceURL    string      `gorm:"uniqueIndex:idx_stack_source;not null;size:512" json:"source_url"`
	ManifestPath string      `gorm:"size:512" json:"manifest_path"` // relative to the source tree
	Fingerprint  string      `gorm:"size:64" json:"fingerprint"`
	Status       StackStatus `gorm:"size:16;default:stopped" json:"status"`
	LastError    string      `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Image tracks how many manifests in the current scope reference an image.
type Image struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Name           string    `gorm:"uniqueIndex;not null;size:512" json:"name"`
	ReferenceCount int       `gorm:"not null;default:0" json:"reference_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ── Source tree manifests ──

// StackDeclaration is one entry of stacks.yaml.
type StackDeclaration struct {
	Name string `yaml:"name"`
}

// VolumeType selects how a volume definition is resolved.
type VolumeType string

const (
	VolumeNamed   VolumeType = "volume"
	VolumeBinding VolumeType = "binding"
)

// VolumeDefinition is one entry of volumes.yaml.
type VolumeDefinition struct {
	ID   string     `yaml:"id"`
	Type VolumeType `yaml:"type"`
	Path string     `yaml:"path"`
}

// UnmarshalYAML rejects unknown volume types.
func (v *VolumeDefinition) UnmarshalYAML(node *yaml.Node) error {
	type plain VolumeDefinition
	var raw plain
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw.Type = VolumeType(strings.ToLower(string(raw.Type)))
	switch raw.Type {
	case VolumeNamed, VolumeBinding:
	default:
		return fmt.Errorf("line %d: unknown volume type %q for volume %q", node.Line, raw.Type, raw.ID)
	}
	*v = VolumeDefinition(raw)
	return nil
}

// NfsConfig is the content of nfs.yaml.
type NfsConfig struct {
	Path string `yaml:"path"`
}

// SecretDefinition maps an orchestrator secret to an environment variable.
type SecretDefinition struct {
	Secret string `yaml:"secret"`
	Env    string `yaml:"env"`
}

// UnmarshalYAML accepts "id" as an older spelling of "secret".
func (s *SecretDefinition) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Secret string `yaml:"secret"`
		ID     string `yaml:"id"`
		Env    string `yaml:"env"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	s.Secret = raw.Secret
	if s.Secret == "" {
		s.Secret = raw.ID
	}
	s.Env = raw.Env
	return nil
}

// ── Policies ──

// PullPolicy decides when a referenced image is pulled.
type PullPolicy string

const (
	PullAlways       PullPolicy = "always"
	PullIfNotPresent PullPolicy = "ifnotpresent"
)

// ParsePullPolicy parses a policy name, case-insensitively.
func ParsePullPolicy(s string) (PullPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "always":
		return PullAlways, nil
	case "ifnotpresent", "if_not_present":
		return PullIfNotPresent, nil
	}
	return "", fmt.Errorf("unknown image pull policy: %s", s)
}

// ImageScope decides the span over which image reference counts are reset
// and garbage-collected.
type ImageScope string

const (
	// ScopeSource resets and collects per source tree. A later tree's reset
	// zeroes images only referenced by earlier trees of the same run.
	ScopeSource ImageScope = "source"
	// ScopeGlobal resets once per run and collects after every tree.
	ScopeGlobal ImageScope = "global"
)

// ParseImageScope parses a scope name.
func ParseImageScope(s string) (ImageScope, error) {
	switch ImageScope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeSource:
		return ScopeSource, nil
	case ScopeGlobal:
		return ScopeGlobal, nil
	}
	return "", fmt.Errorf("unknown image scope: %s", s)
}
