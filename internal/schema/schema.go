// Package schema validates agent output against a restricted JSON Schema
// dialect: object, array, string and number types with required, enum,
// additionalProperties, minimum, maximum and minItems.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// allowedKeywords is the restricted dialect. Anything else is rejected when
// a schema is built.
var allowedKeywords = map[string]bool{
	"type":                 true,
	"properties":           true,
	"required":             true,
	"enum":                 true,
	"additionalProperties": true,
	"minimum":              true,
	"maximum":              true,
	"minItems":             true,
	"items":                true,
	"description":          true,
}

var allowedTypes = map[string]bool{
	"object": true,
	"array":  true,
	"string": true,
	"number": true,
}

// ValidationError carries every violation found in one document.
type ValidationError struct {
	Schema     string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema %s: %s", e.Schema, strings.Join(e.Violations, "; "))
}

// Schema is a compiled schema of the restricted dialect.
type Schema struct {
	name     string
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// New parses and compiles a schema document.
func New(name, doc string) (*Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, eris.Wrapf(err, "schema: parse %s", name)
	}
	if err := checkDialect(parsed, "#"); err != nil {
		return nil, eris.Wrapf(err, "schema: %s", name)
	}

	url := "mem://schemas/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, eris.Wrapf(err, "schema: add %s", name)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, eris.Wrapf(err, "schema: compile %s", name)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(doc)); err != nil {
		return nil, eris.Wrapf(err, "schema: compact %s", name)
	}
	return &Schema{name: name, raw: compact.Bytes(), compiled: compiled}, nil
}

// MustNew is New for schemas fixed at compile time.
func MustNew(name, doc string) *Schema {
	s, err := New(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// JSON returns the compact schema document.
func (s *Schema) JSON() json.RawMessage { return s.raw }

// Validate checks an already-decoded value. Numbers may be float64 or
// json.Number.
func (s *Schema) Validate(v any) error {
	err := s.compiled.Validate(v)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !eris.As(err, &verr) {
		return eris.Wrapf(err, "schema: validate %s", s.name)
	}
	return &ValidationError{Schema: s.name, Violations: flatten(verr)}
}

// Decode validates a JSON document and unmarshals it into out. Malformed
// JSON is reported as a ValidationError.
func (s *Schema) Decode(data []byte, out any) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Schema: s.name, Violations: []string{"invalid JSON: " + err.Error()}}
	}
	if err := s.Validate(inst); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return eris.Wrapf(json.Unmarshal(data, out), "schema: decode %s", s.name)
}

// flatten collects the leaf errors of a validation tree.
func flatten(e *jsonschema.ValidationError) []string {
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, fmt.Sprintf("at %s: %s", pointer(e.InstanceLocation), e.ErrorKind.LocalizedString(printer)))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(e)
	sort.Strings(out)
	return out
}

func pointer(tokens []string) string {
	if len(tokens) == 0 {
		return "/"
	}
	return "/" + strings.Join(tokens, "/")
}

func checkDialect(node any, path string) error {
	obj, ok := node.(map[string]any)
	if !ok {
		return eris.Errorf("%s: schema must be an object", path)
	}
	for kw, v := range obj {
		if !allowedKeywords[kw] {
			return eris.Errorf("%s: keyword %q is not supported", path, kw)
		}
		switch kw {
		case "type":
			t, ok := v.(string)
			if !ok || !allowedTypes[t] {
				return eris.Errorf("%s: type %v is not supported", path, v)
			}
		case "additionalProperties":
			if b, ok := v.(bool); !ok || b {
				return eris.Errorf("%s: additionalProperties must be false", path)
			}
		case "items":
			if err := checkDialect(v, path+"/items"); err != nil {
				return err
			}
		case "properties":
			props, ok := v.(map[string]any)
			if !ok {
				return eris.Errorf("%s: properties must be an object", path)
			}
			for name, sub := range props {
				if err := checkDialect(sub, path+"/properties/"+name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
