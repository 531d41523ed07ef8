package profile

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is static, operator-curated context injected ahead of learned
// memories. It covers what the system should always know regardless of what
// extraction has picked up yet.
type Profile struct {
	Name        string   `yaml:"name"`
	Facts       []string `yaml:"facts"`
	Preferences []string `yaml:"preferences"`
}

// Load reads a profile file. An empty path returns (nil, nil): the profile
// is optional.
func Load(path string) (*Profile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	return &p, nil
}

// Render formats the profile as a prompt section. An empty profile renders
// to an empty string.
func (p *Profile) Render() string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	if strings.TrimSpace(p.Name) != "" {
		fmt.Fprintf(&b, "The user's name is %s.\n", strings.TrimSpace(p.Name))
	}
	if len(p.Facts) > 0 {
		b.WriteString("Known facts about the user:\n")
		for _, f := range p.Facts {
			if strings.TrimSpace(f) == "" {
				continue
			}
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(f))
			b.WriteString("\n")
		}
	}
	if len(p.Preferences) > 0 {
		b.WriteString("User preferences:\n")
		for _, pref := range p.Preferences {
			if strings.TrimSpace(pref) == "" {
				continue
			}
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(pref))
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}
