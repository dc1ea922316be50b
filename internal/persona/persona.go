// Package persona loads and serves the assistant personas.
//
// A persona is one YAML file in the personas directory: the system prompt
// injected at model session start, the voice selection, a spoken greeting,
// and the plugin allow-list. The [Registry] loads the whole directory at
// startup and is read-only afterwards.
package persona

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by [Registry.Get] for unknown persona names.
var ErrNotFound = errors.New("persona: not found")

// Persona describes one assistant personality.
type Persona struct {
	// Name is the unique identifier, referenced by config and sessions.
	Name string `yaml:"name"`

	// SystemPrompt is the instruction text sent to the model at session
	// start.
	SystemPrompt string `yaml:"system_prompt"`

	// Voice selects the model voice embedding. Empty uses the server
	// default.
	Voice string `yaml:"voice"`

	// Greeting is spoken when a session opens. May be empty.
	Greeting string `yaml:"greeting"`

	// Plugins lists the tool names this persona may invoke. An empty list
	// allows every registered tool.
	Plugins []string `yaml:"plugins"`
}

// Validate checks that p contains a coherent set of values.
// It returns a joined error listing all failures found.
func (p *Persona) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		errs = append(errs, fmt.Errorf("system_prompt is required"))
	}
	seen := make(map[string]struct{}, len(p.Plugins))
	for i, name := range p.Plugins {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("plugins[%d] is empty", i))
			continue
		}
		if _, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("plugins[%d] %q is a duplicate", i, name))
		}
		seen[name] = struct{}{}
	}
	return errors.Join(errs...)
}

// AllowsPlugin reports whether the persona may invoke the named tool.
func (p *Persona) AllowsPlugin(name string) bool {
	if len(p.Plugins) == 0 {
		return true
	}
	for _, allowed := range p.Plugins {
		if allowed == name {
			return true
		}
	}
	return false
}

// Parse decodes one persona from r and validates it.
func Parse(r io.Reader) (*Persona, error) {
	p := &Persona{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("persona: decode yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("persona %q: %w", p.Name, err)
	}
	return p, nil
}

// Registry holds the loaded personas. Read-only after [LoadDir]; safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	personas map[string]*Persona
}

// LoadDir reads every .yaml/.yml file in dir as one persona and returns the
// populated registry. Subdirectories are ignored. A duplicate persona name
// across files is an error.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("persona: read dir %q: %w", dir, err)
	}

	reg := &Registry{personas: make(map[string]*Persona)}
	var errs []error

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry) {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		f, err := os.Open(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("persona: open %q: %w", path, err))
			continue
		}
		p, err := Parse(f)
		f.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		if _, ok := reg.personas[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s: persona %q already defined in another file", entry.Name(), p.Name))
			continue
		}
		reg.personas[p.Name] = p
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if len(reg.personas) == 0 {
		return nil, fmt.Errorf("persona: no personas found in %q", dir)
	}
	return reg, nil
}

func isYAML(entry fs.DirEntry) bool {
	ext := strings.ToLower(filepath.Ext(entry.Name()))
	return ext == ".yaml" || ext == ".yml"
}

// Get returns the persona with the given name, or [ErrNotFound].
func (r *Registry) Get(name string) (*Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return p, nil
}

// Names returns all persona names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.personas))
	for name := range r.personas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of loaded personas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.personas)
}
