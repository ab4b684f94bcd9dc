// Package secret turns a stack's secrets.yaml into an entrypoint wrapper
// that exports Swarm secrets as environment variables.
package secret

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/web-casa/dockerops/internal/errdefs"
	"github.com/web-casa/dockerops/internal/model"
)

const (
	// ManifestName is the per-stack declaration file.
	ManifestName = "secrets.yaml"
	// ScriptName is the generated wrapper, written next to the manifest.
	ScriptName = "entrypoint-secrets.sh"
	// MountDir is where Swarm exposes secret files in a container.
	MountDir = "/run/secrets"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Load reads <stackDir>/secrets.yaml. An absent or empty file yields nil.
func Load(stackDir string) ([]model.SecretDefinition, error) {
	path := filepath.Join(stackDir, ManifestName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &errdefs.FilesystemError{Op: "read", Path: path, Err: err}
	}

	var defs []model.SecretDefinition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, &errdefs.ParseError{File: path, Err: err}
	}
	for i, def := range defs {
		if err := validate(def); err != nil {
			return nil, &errdefs.ParseError{File: path, Err: fmt.Errorf("entry %d: %w", i, err)}
		}
	}
	return defs, nil
}

func validate(def model.SecretDefinition) error {
	if def.Secret == "" {
		return errors.New("secret name is required")
	}
	if strings.ContainsAny(def.Secret, "'/") {
		return fmt.Errorf("invalid secret name %q", def.Secret)
	}
	if !envNamePattern.MatchString(def.Env) {
		return fmt.Errorf("invalid environment variable name %q for secret %s", def.Env, def.Secret)
	}
	return nil
}

// Script renders the wrapper for defs.
func Script(defs []model.SecretDefinition) []byte {
	var b bytes.Buffer
	b.WriteString("#!/bin/sh\n")
	b.WriteString("# Generated by dockerops. Exports secrets as environment variables.\n")
	for _, def := range defs {
		file := MountDir + "/" + def.Secret
		fmt.Fprintf(&b, "if [ -f '%s' ]; then export %s=\"$(cat '%s')\"; else export %s=\"\"; fi\n",
			file, def.Env, file, def.Env)
	}
	b.WriteString("exec \"$@\"\n")
	return b.Bytes()
}

// Declare writes the wrapper script into stackDir with mode 0755.
func Declare(stackDir string, defs []model.SecretDefinition) error {
	for _, def := range defs {
		if err := validate(def); err != nil {
			return &errdefs.ParseError{Err: err}
		}
	}
	path := filepath.Join(stackDir, ScriptName)
	if err := os.WriteFile(path, Script(defs), 0755); err != nil {
		return &errdefs.FilesystemError{Op: "write", Path: path, Err: err}
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(path, 0755); err != nil {
		return &errdefs.FilesystemError{Op: "chmod", Path: path, Err: err}
	}
	return nil
}
