package mixin

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents a weft.toml configuration bundle: one set of mixin
// classes, their defaults and the resources they share.
type Config struct {
	Set      Set               `toml:"set"`
	Refmap   RefmapConfig      `toml:"refmap"`
	Behavior Behavior          `toml:"behavior"`
	Env      map[string]string `toml:"env"`

	// Dir is the directory containing the weft.toml file (set at load time).
	Dir string `toml:"-"`
}

// Set lists the mixin classes in this bundle.
type Set struct {
	Name    string   `toml:"name"`
	Package string   `toml:"package"` // internal-name prefix, e.g. com/example/mixins
	Mixins  []string `toml:"mixins"`  // class names relative to Package
}

// RefmapConfig locates the reference map files.
type RefmapConfig struct {
	Source   string `toml:"source"`   // JSON refmap path, relative to Dir
	Compiled string `toml:"compiled"` // compiled cache path, relative to Dir
}

// Behavior holds application-wide toggles.
type Behavior struct {
	Priority int  `toml:"priority"` // default priority for the set
	Required bool `toml:"required"` // escalate match-count warnings to errors
	Verbose  bool `toml:"verbose"`
}

// LoadConfig parses a weft.toml file from the given directory.
func LoadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, "weft.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if c.Behavior.Priority == 0 {
		c.Behavior.Priority = DefaultPriority
	}
	if c.Set.Name == "" {
		c.Set.Name = filepath.Base(c.Dir)
	}

	if len(c.Set.Mixins) == 0 {
		return nil, fmt.Errorf("%s declares no mixins", path)
	}
	return &c, nil
}

// MixinClassNames returns the internal names of the set's mixin classes,
// package prefix applied.
func (c *Config) MixinClassNames() []string {
	var names []string
	for _, m := range c.Set.Mixins {
		if c.Set.Package != "" {
			names = append(names, c.Set.Package+"/"+m)
		} else {
			names = append(names, m)
		}
	}
	return names
}

// RefmapSourcePath returns the absolute path of the JSON refmap, or ""
// when the bundle has none.
func (c *Config) RefmapSourcePath() string {
	if c.Refmap.Source == "" {
		return ""
	}
	return filepath.Join(c.Dir, c.Refmap.Source)
}

// RefmapCompiledPath returns the absolute path of the compiled refmap
// cache, or "" when caching is disabled.
func (c *Config) RefmapCompiledPath() string {
	if c.Refmap.Compiled == "" {
		return ""
	}
	return filepath.Join(c.Dir, c.Refmap.Compiled)
}
