// Package schema validates raw request payloads against JSON Schema
// documents and reports every failing field.
package schema

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

// Schema is a compiled JSON Schema plus the property type table used to
// coerce query string values.
type Schema struct {
	compiled   *gojsonschema.Schema
	properties map[string]string
}

func Compile(doc string) (*Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	var shape struct {
		Properties map[string]struct {
			Type any `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal([]byte(doc), &shape); err != nil {
		return nil, fmt.Errorf("inspect schema: %w", err)
	}
	props := make(map[string]string, len(shape.Properties))
	for name, p := range shape.Properties {
		props[name] = primaryType(p.Type)
	}
	return &Schema{compiled: compiled, properties: props}, nil
}

// MustCompile is for package-level schemas that are known to be valid.
func MustCompile(doc string) *Schema {
	s, err := Compile(doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks raw JSON. It returns the decoded document when valid and
// the full issue list otherwise.
func (s *Schema) Validate(raw []byte) (map[string]any, []result.Issue) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil || data == nil {
		return nil, []result.Issue{{Path: []string{}, Message: "Expected object.", Code: "invalid_type"}}
	}
	return s.validateValue(raw, data)
}

// ValidateData validates an already decoded value.
func (s *Schema) ValidateData(data map[string]any) (map[string]any, []result.Issue) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, []result.Issue{{Path: []string{}, Message: err.Error(), Code: "invalid_type"}}
	}
	return s.validateValue(raw, data)
}

// ValidateQuery coerces string query values to the declared property types
// and validates the result.
func (s *Schema) ValidateQuery(q url.Values) (map[string]any, []result.Issue) {
	data := make(map[string]any, len(q))
	for key, values := range q {
		if len(values) == 0 {
			continue
		}
		data[key] = coerce(s.properties[key], values)
	}
	return s.ValidateData(data)
}

func (s *Schema) validateValue(raw []byte, data map[string]any) (map[string]any, []result.Issue) {
	res, err := s.compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, []result.Issue{{Path: []string{}, Message: err.Error(), Code: "invalid_type"}}
	}
	if res.Valid() {
		return data, nil
	}
	issues := make([]result.Issue, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		issues = append(issues, toIssue(e))
	}
	return nil, issues
}

func toIssue(e gojsonschema.ResultError) result.Issue {
	path := []string{}
	if f := e.Field(); f != "" && f != "(root)" {
		path = strings.Split(f, ".")
	}
	if e.Type() == "required" {
		if prop, ok := e.Details()["property"].(string); ok && prop != "" && (len(path) == 0 || path[len(path)-1] != prop) {
			path = append(path, prop)
		}
	}
	return result.Issue{Path: path, Message: e.Description(), Code: e.Type()}
}

// Decode moves validated data into a typed struct.
func Decode[T any](data map[string]any, out *T) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// SortIssues orders issues by path for stable output.
func SortIssues(issues []result.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		return strings.Join(issues[i].Path, ".") < strings.Join(issues[j].Path, ".")
	})
}

func primaryType(t any) string {
	switch v := t.(type) {
	case string:
		return v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "null" {
				return s
			}
		}
	}
	return ""
}

func coerce(kind string, values []string) any {
	switch kind {
	case "array":
		out := make([]any, 0, len(values))
		for _, v := range values {
			out = append(out, v)
		}
		return out
	case "integer":
		if n, err := strconv.ParseInt(values[0], 10, 64); err == nil {
			return n
		}
	case "number":
		if n, err := strconv.ParseFloat(values[0], 64); err == nil {
			return n
		}
	case "boolean":
		if b, err := strconv.ParseBool(values[0]); err == nil {
			return b
		}
	}
	return values[0]
}
