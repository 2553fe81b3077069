package templates

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles text templates with the sprig function set minus every
// helper that reaches the process environment or the filesystem.
type Renderer struct {
	funcs template.FuncMap
}

// Template is a compiled template ready for execution. Templates are safe for
// concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

var restricted = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range restricted {
		delete(funcs, name)
	}
	r := &Renderer{funcs: make(template.FuncMap, len(funcs)+1)}
	for name, fn := range funcs {
		r.funcs[name] = fn
	}
	// gqlString renders a GraphQL string literal, quotes included.
	r.funcs["gqlString"] = func(value any) (string, error) {
		encoded, err := json.Marshal(fmt.Sprint(value))
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
	return r
}

// CompileInline parses source. Empty or whitespace-only sources return nil
// without error so optional configuration fields can fall back to defaults.
// Referencing a key absent from the render data is an execution error.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=error").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Render executes the template against data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}
