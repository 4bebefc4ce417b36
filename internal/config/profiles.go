package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gluk-w/claworc/sessiond/internal/transport"
)

// Profile is a named connection preset. Credentials other than the key
// file are never stored in profiles.
type Profile struct {
	Name         string                 `yaml:"name" json:"name"`
	Kind         string                 `yaml:"type,omitempty" json:"sshType,omitempty"`
	Host         string                 `yaml:"host" json:"host"`
	Port         int                    `yaml:"port,omitempty" json:"port,omitempty"`
	Username     string                 `yaml:"username" json:"username"`
	IdentityFile string                 `yaml:"identityFile,omitempty" json:"identityFile,omitempty"`
	UseAgent     bool                   `yaml:"useAgent,omitempty" json:"useAgent,omitempty"`
	Proxy        *transport.ProxyConfig `yaml:"proxy,omitempty" json:"proxyConfig,omitempty"`
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles reads the YAML profile file at path. A missing path yields
// no profiles.
func LoadProfiles(path string) ([]Profile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes a profile document and checks it.
func ParseProfiles(data []byte) ([]Profile, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	seen := make(map[string]bool)
	for i, p := range f.Profiles {
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("profile %d: name is required", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("profile %q: duplicate name", p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case "", "ssh", "bastion":
		default:
			return nil, fmt.Errorf("profile %q: unknown type %q", p.Name, p.Kind)
		}
		if p.Host == "" {
			return nil, fmt.Errorf("profile %q: host is required", p.Name)
		}
		if p.Port < 0 || p.Port > 65535 {
			return nil, fmt.Errorf("profile %q: invalid port %d", p.Name, p.Port)
		}
	}
	return f.Profiles, nil
}
