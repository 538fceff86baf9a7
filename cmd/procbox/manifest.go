package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// manifest is the YAML form of a run configuration. Flags given on the
// command line take precedence over manifest values; list-valued fields
// (env, mounts) are appended after the manifest's, so later entries win.
type manifest struct {
	Binary      string          `yaml:"binary"`
	Args        []string        `yaml:"args"`
	Env         []string        `yaml:"env"`
	Mounts      []manifestMount `yaml:"mounts"`
	VirtualDirs []string        `yaml:"virtual_dirs"`
	WorkDir     string          `yaml:"workdir"`
	MaxThreads  int             `yaml:"max_threads"`
	LogLevel    string          `yaml:"log_level"`
}

type manifestMount struct {
	Host     string `yaml:"host"`
	Guest    string `yaml:"guest"`
	ReadOnly bool   `yaml:"readonly"`
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseManifest(data)
}

func parseManifest(data []byte) (*manifest, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	for _, e := range m.Env {
		if !strings.Contains(e, "=") {
			return nil, fmt.Errorf("invalid manifest: env entry %q must be KEY=VALUE", e)
		}
	}
	for _, mt := range m.Mounts {
		if mt.Host == "" || mt.Guest == "" {
			return nil, fmt.Errorf("invalid manifest: mount needs both host and guest")
		}
	}
	return &m, nil
}

// parseMountFlag decodes the --mount flag syntax HOST:GUEST[:ro].
func parseMountFlag(s string) (manifestMount, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		return manifestMount{Host: parts[0], Guest: parts[1]}, nil
	case 3:
		if parts[2] != "ro" {
			return manifestMount{}, fmt.Errorf("invalid mount %q: suffix must be \"ro\"", s)
		}
		return manifestMount{Host: parts[0], Guest: parts[1], ReadOnly: true}, nil
	default:
		return manifestMount{}, fmt.Errorf("invalid mount %q: expected HOST:GUEST[:ro]", s)
	}
}
