package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadProfile loads a named policy profile YAML from the profiles directory.
// It searches for profile_<name>.yaml and applies the file over the defaults,
// so a profile only needs to state what it changes.
func LoadProfile(profilesDir, name string) (Policy, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("config: load profile %q: %w", name, err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a profile document over the defaults and validates it.
func ParseProfile(data []byte) (Policy, error) {
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("config: parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
