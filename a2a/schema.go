package a2a

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://a2a.local/schemas/"

// schemaSet holds the compiled envelope schema and one params schema per method.
type schemaSet struct {
	envelope *jsonschema.Schema
	params   map[Method]*jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	available := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBaseURL+entry.Name(), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", entry.Name(), err)
		}
		available[entry.Name()] = struct{}{}
	}

	set := &schemaSet{params: make(map[Method]*jsonschema.Schema)}
	if set.envelope, err = c.Compile(schemaBaseURL + "envelope.json"); err != nil {
		return nil, fmt.Errorf("envelope schema compile failed: %w", err)
	}
	for _, method := range Methods() {
		name := string(method) + ".json"
		if _, ok := available[name]; !ok {
			return nil, fmt.Errorf("no params schema for method %s", method)
		}
		compiled, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		set.params[method] = compiled
	}
	return set, nil
}

// decodeValue parses raw JSON into the generic form the schema validator expects.
func decodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// validate runs schema against v and flattens any failure into field errors.
func validate(schema *jsonschema.Schema, v any) []FieldError {
	err := schema.Validate(v)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []FieldError{{Field: "params", Message: err.Error()}}
	}
	var out []FieldError
	seen := make(map[FieldError]struct{})
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			fe := FieldError{Field: fieldName(e.InstanceLocation), Message: e.Message}
			if _, dup := seen[fe]; !dup {
				seen[fe] = struct{}{}
				out = append(out, fe)
			}
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func fieldName(pointer string) string {
	trimmed := strings.Trim(pointer, "/")
	if trimmed == "" {
		return "params"
	}
	return strings.ReplaceAll(trimmed, "/", ".")
}
