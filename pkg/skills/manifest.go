package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/avva/pkg/callstring"
	"github.com/jllopis/avva/pkg/intent"
)

// Manifest is the declarative description of a plugin. JSON and YAML
// documents share one decoder since JSON is valid YAML.
type Manifest struct {
	Name        string              `yaml:"name" json:"name"`
	EntryPoint  string              `yaml:"entry_point" json:"entry_point"`
	Description string              `yaml:"description,omitempty" json:"description,omitempty"`
	Intents     Intents             `yaml:"intents" json:"intents"`
	Permissions []string            `yaml:"permissions" json:"permissions"`
	Tools       map[string]ToolSpec `yaml:"tools" json:"tools"`

	// Path is set when the manifest was read from disk.
	Path string `yaml:"-" json:"-"`
}

// Intents groups the static and regex intent tables of a manifest.
type Intents struct {
	Static Templates `yaml:"static" json:"static"`
	Regex  Templates `yaml:"regex" json:"regex"`
}

// Template maps an intent key (phrase or "regex:<pattern>") to a call template.
type Template struct {
	Key  string
	Call string
}

// Templates keeps document order, which decides regex precedence.
type Templates []Template

// UnmarshalYAML decodes a mapping while preserving key order.
func (t *Templates) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: intents must be a mapping", node.Line)
	}
	out := make(Templates, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: template for %q must be a string", v.Line, k.Value)
		}
		out = append(out, Template{Key: k.Value, Call: v.Value})
	}
	*t = out
	return nil
}

// ToolSpec describes one tool. In a manifest it is either a plain
// description string or a mapping with description and permissions.
type ToolSpec struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}

// UnmarshalYAML accepts the scalar shorthand.
func (s *ToolSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Description = node.Value
		return nil
	}
	type plain ToolSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = ToolSpec(p)
	return nil
}

const (
	maxNameLen        = 64
	maxDescriptionLen = 1024
)

var (
	namePattern = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)
	groupRef    = regexp.MustCompile(`\$[0-9]+`)
)

var manifestNames = []string{"manifest.json", "manifest.yaml", "manifest.yml"}

// ParseManifest decodes a manifest document and validates it.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	m.Permissions = dedupe(m.Permissions)
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// LoadManifestFile reads and validates a manifest from disk.
func LoadManifestFile(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// FindManifests returns the manifest path of every subdirectory of root
// that has one. Subdirectories without a manifest are skipped.
func FindManifests(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		for _, name := range manifestNames {
			p := filepath.Join(root, entry.Name(), name)
			if _, err := os.Stat(p); err == nil {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

// Validate checks the manifest shape, intent patterns and templates.
func (m Manifest) Validate() error {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		return errors.New("name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return fmt.Errorf("name exceeds %d characters", maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name must match %s", namePattern.String())
	}
	if strings.TrimSpace(m.EntryPoint) == "" {
		return errors.New("entry_point is required")
	}
	if utf8.RuneCountInString(m.Description) > maxDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", maxDescriptionLen)
	}
	if len(m.Tools) == 0 {
		return errors.New("at least one tool is required")
	}
	for id, tool := range m.Tools {
		if _, err := callstring.Parse(id); err != nil {
			return fmt.Errorf("invalid tool id %q", id)
		}
		if strings.TrimSpace(tool.Description) == "" {
			return fmt.Errorf("tool %q: description is required", id)
		}
	}
	for _, p := range m.Permissions {
		if strings.ContainsAny(p, " \t") {
			return fmt.Errorf("invalid permission %q", p)
		}
	}
	for _, s := range m.Intents.Static {
		if strings.HasPrefix(s.Key, intent.RegexPrefix) {
			return fmt.Errorf("static intent %q uses the regex prefix", s.Key)
		}
		if _, err := callstring.Parse(s.Call); err != nil {
			return fmt.Errorf("static intent %q: %w", s.Key, err)
		}
	}
	for _, r := range m.Intents.Regex {
		pattern := strings.TrimPrefix(r.Key, intent.RegexPrefix)
		if _, err := regexp.Compile("(?i)" + pattern); err != nil {
			return fmt.Errorf("regex intent %q: %w", r.Key, err)
		}
		// placeholders are filled with a neutral token before checking the grammar
		probe := groupRef.ReplaceAllString(r.Call, "x")
		if _, err := callstring.Parse(probe); err != nil {
			return fmt.Errorf("regex intent %q: %w", r.Key, err)
		}
	}
	return nil
}

// ToolPermissions returns the permissions required by tool id: the tool's
// own list when declared, the plugin-wide list otherwise.
func (m Manifest) ToolPermissions(id string) []string {
	if spec, ok := m.Tools[id]; ok && len(spec.Permissions) > 0 {
		return dedupe(spec.Permissions)
	}
	return dedupe(m.Permissions)
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
