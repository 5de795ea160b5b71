package persona

import (
	_ "embed"
	"fmt"
	"text/template"

	"gopkg.in/yaml.v3"
)

// ID names one of the supported personas. The set is closed.
type ID string

const (
	Friend   ID = "friend"
	Mentor   ID = "mentor"
	Listener ID = "listener"
)

// All lists every supported persona in display order.
var All = []ID{Friend, Mentor, Listener}

// ParseID validates s against the closed persona set.
func ParseID(s string) (ID, bool) {
	for _, id := range All {
		if string(id) == s {
			return id, true
		}
	}
	return "", false
}

// Descriptor is the prompt-facing description of a persona.
type Descriptor struct {
	ID               ID       `yaml:"id"`
	Name             string   `yaml:"name"`
	Tone             string   `yaml:"tone"`
	Traits           []string `yaml:"traits"`
	LanguageMix      string   `yaml:"language_mix"`
	Greeting         string   `yaml:"greeting"`
	ReminderTemplate string   `yaml:"reminder_template"`

	reminder *template.Template
}

// Reminder returns the parsed reminder template.
func (d Descriptor) Reminder() *template.Template {
	return d.reminder
}

//go:embed personas.yaml
var builtin []byte

type catalogFile struct {
	Default  ID           `yaml:"default"`
	Personas []Descriptor `yaml:"personas"`
}

// Catalog holds the descriptors for every persona, resolved once at startup.
type Catalog struct {
	byID map[ID]Descriptor
	def  ID
}

// Load parses the built-in catalogue. defaultID overrides the file's default
// when non-empty.
func Load(defaultID string) (*Catalog, error) {
	c, err := Parse(builtin)
	if err != nil {
		return nil, err
	}
	if defaultID != "" {
		id, ok := ParseID(defaultID)
		if !ok {
			return nil, fmt.Errorf("unknown default persona %q", defaultID)
		}
		c.def = id
	}
	return c, nil
}

// Parse decodes a YAML catalogue and checks that it describes exactly the
// supported persona set.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing persona catalogue: %w", err)
	}

	c := &Catalog{byID: make(map[ID]Descriptor, len(f.Personas))}
	for _, d := range f.Personas {
		if _, ok := ParseID(string(d.ID)); !ok {
			return nil, fmt.Errorf("unknown persona %q in catalogue", d.ID)
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("persona %q defined twice", d.ID)
		}
		if d.Name == "" || d.Tone == "" {
			return nil, fmt.Errorf("persona %q: name and tone are required", d.ID)
		}
		tmpl, err := template.New(string(d.ID)).Option("missingkey=error").Parse(d.ReminderTemplate)
		if err != nil {
			return nil, fmt.Errorf("persona %q: reminder template: %w", d.ID, err)
		}
		d.reminder = tmpl
		c.byID[d.ID] = d
	}
	for _, id := range All {
		if _, ok := c.byID[id]; !ok {
			return nil, fmt.Errorf("persona %q missing from catalogue", id)
		}
	}

	if _, ok := c.byID[f.Default]; !ok {
		return nil, fmt.Errorf("default persona %q is not defined", f.Default)
	}
	c.def = f.Default
	return c, nil
}

// Default returns the descriptor used when a user has not picked a persona.
func (c *Catalog) Default() Descriptor {
	return c.byID[c.def]
}

// Get returns the descriptor for id.
func (c *Catalog) Get(id ID) (Descriptor, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// Resolve maps a stored persona selection onto a descriptor, falling back
// to the default for empty or unknown values.
func (c *Catalog) Resolve(selection string) Descriptor {
	if id, ok := ParseID(selection); ok {
		return c.byID[id]
	}
	return c.Default()
}
