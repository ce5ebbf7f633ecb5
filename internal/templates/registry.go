package templates

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"remind/internal/delivery"
)

// Registry is an immutable catalog of reminder templates keyed by kind.
type Registry struct {
	byKind map[Kind]Template
}

func New(tpls ...Template) (*Registry, error) {
	r := &Registry{byKind: make(map[Kind]Template, len(tpls))}
	for _, t := range tpls {
		if err := t.validate(); err != nil {
			return nil, err
		}
		r.byKind[t.Kind] = cloneTemplate(t)
	}
	return r, nil
}

// Default returns the built-in catalog.
func Default() *Registry {
	r, err := New(builtin...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(kind Kind) (Template, error) {
	t, ok := r.byKind[kind]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, kind)
	}
	return cloneTemplate(t), nil
}

// All returns every template ordered by fire time relative to session start.
func (r *Registry) All() []Template {
	out := make([]Template, 0, len(r.byKind))
	for _, t := range r.byKind {
		out = append(out, cloneTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Immediate != out[j].Immediate {
			return out[i].Immediate
		}
		if out[i].OffsetMinutes != out[j].OffsetMinutes {
			return out[i].OffsetMinutes > out[j].OffsetMinutes
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

type catalogFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadFile builds a registry from the built-in catalog overlaid with the
// templates found in a YAML file.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	merged := map[Kind]Template{}
	for _, t := range builtin {
		merged[t.Kind] = t
	}
	for _, t := range f.Templates {
		merged[t.Kind] = t
	}

	tpls := make([]Template, 0, len(merged))
	for _, t := range merged {
		tpls = append(tpls, t)
	}
	return New(tpls...)
}

func cloneTemplate(t Template) Template {
	bodies := make(map[delivery.Channel]string, len(t.Bodies))
	for k, v := range t.Bodies {
		bodies[k] = v
	}
	t.Bodies = bodies
	return t
}
