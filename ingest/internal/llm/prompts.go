package llm

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompt is one catalog entry.
type Prompt struct {
	Name        string  `yaml:"-"`
	Phase       string  `yaml:"phase"`
	System      string  `yaml:"system"`
	Template    string  `yaml:"template"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	tmpl *template.Template
}

// Catalog holds named prompts. It is safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	prompts map[string]*Prompt
}

var funcs = template.FuncMap{
	"join": strings.Join,
}

// ParseCatalog decodes a YAML mapping of name → prompt.
func ParseCatalog(data []byte) (*Catalog, error) {
	raw := map[string]*Prompt{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("llm: parse prompts: %w", err)
	}
	c := &Catalog{prompts: make(map[string]*Prompt, len(raw))}
	for name, p := range raw {
		if p == nil {
			continue
		}
		p.Name = name
		if p.Phase == "" {
			p.Phase = name
		}
		t, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(p.Template)
		if err != nil {
			return nil, fmt.Errorf("llm: prompt %s: %w", name, err)
		}
		p.tmpl = t
		c.prompts[name] = p
	}
	return c, nil
}

// DefaultCatalog returns the built-in prompts.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultPrompts)
	if err != nil {
		panic(err) // embedded file is part of the build
	}
	return c
}

// LoadCatalogFile reads extra prompts from path and merges them over the
// built-in ones.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("llm: read prompts: %w", err)
	}
	extra, err := ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	c := DefaultCatalog()
	c.Merge(extra)
	return c, nil
}

// Merge copies every prompt of o into c, replacing same-named entries.
func (c *Catalog) Merge(o *Catalog) {
	if o == nil {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, p := range o.prompts {
		c.prompts[name] = p
	}
}

// Names lists the prompt names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.prompts))
	for name := range c.prompts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the prompt with the given name.
func (c *Catalog) Lookup(name string) (*Prompt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prompts[name]
	return p, ok
}

// Render builds a Request for phase using the prompt called name. An unknown
// name, or one registered for another phase, falls back to the phase's own
// prompt.
func (c *Catalog) Render(phase, name string, data any) (*Request, error) {
	p, ok := c.Lookup(name)
	if !ok || p.Phase != phase {
		p, ok = c.Lookup(phase)
		if !ok {
			return nil, fmt.Errorf("llm: no prompt for phase %s", phase)
		}
	}
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("llm: render %s: %w", p.Name, err)
	}
	return &Request{
		Phase:       phase,
		System:      strings.TrimSpace(p.System),
		Prompt:      strings.TrimSpace(buf.String()),
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		JSON:        true,
	}, nil
}
