// Package admin implements the admin account form: its schema, multipart
// validation, password hashing and SQLite-backed storage.
package admin

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// FieldType is the HTML input type a field renders as.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldEmail    FieldType = "email"
	FieldPassword FieldType = "password"
)

// Field describes one form input.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"form_type"`
	Required bool      `json:"required"`
	Pattern  string    `json:"pattern,omitempty"`

	re *regexp.Regexp
}

// Schema is an ordered set of fields.
type Schema struct {
	fields []Field
	index  map[string]int
}

// NewSchema compiles the field patterns and returns a Schema.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		if f.Name == "" {
			return nil, errors.New("field name must not be empty")
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return nil, fmt.Errorf("field %q pattern: %w", f.Name, err)
			}
			f.re = re
		}
		s.index[f.Name] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s, nil
}

// DefaultSchema returns the admin account schema.
func DefaultSchema() *Schema {
	s, err := NewSchema(
		Field{Name: "username", Type: FieldText, Required: true, Pattern: `^[A-Za-z0-9_.-]{3,32}$`},
		Field{Name: "email", Type: FieldEmail, Pattern: `^[^@\s]+@[^@\s]+\.[^@\s]+$`},
		Field{Name: "password", Type: FieldPassword, Required: true, Pattern: `^.{8,}$`},
	)
	if err != nil {
		panic(err)
	}
	return s
}

// Fields returns the fields in declaration order.
func (s *Schema) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Lookup returns the field named name.
func (s *Schema) Lookup(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// ValidationError lists every problem found in one submission, in the
// order they were found.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "\n")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Validate checks the submitted values against the schema and returns the
// accepted values keyed by field name. Unknown fields, missing required
// fields and pattern mismatches are all collected into one ValidationError.
// Empty optional fields are dropped.
func (s *Schema) Validate(values []FormValue) (map[string]string, error) {
	var problems []string
	accepted := make(map[string]string, len(s.fields))
	seen := make(map[string]bool, len(values))

	for _, v := range values {
		f, ok := s.Lookup(v.Name)
		if !ok {
			problems = append(problems, v.Name+" is not a valid field")
			continue
		}
		seen[v.Name] = true
		if v.Value == "" {
			if f.Required {
				problems = append(problems, v.Name+" is required")
			}
			continue
		}
		if f.re != nil && !f.re.MatchString(v.Value) {
			problems = append(problems, v.Name+" is not valid")
			continue
		}
		accepted[v.Name] = v.Value
	}

	for _, f := range s.fields {
		if f.Required && !seen[f.Name] {
			problems = append(problems, f.Name+" is required")
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return accepted, nil
}
