package admin

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
)

var (
	// ErrInvalidBoundary is returned when the request is not
	// multipart/form-data or carries no boundary.
	ErrInvalidBoundary = errors.New("invalid boundary")
	// ErrMalformedForm is returned when the multipart body cannot be read.
	ErrMalformedForm = errors.New("malformed form")
	// ErrValidation is wrapped by *ValidationError.
	ErrValidation = errors.New("validation failed")
)

const (
	// maxFieldBytes caps a single form value.
	maxFieldBytes = 4 << 10
	// maxParts caps the number of parts in one form, named or not.
	maxParts = 32
	// MaxFormBytes bounds a whole form body: every part at its cap plus
	// room for part headers.
	MaxFormBytes = maxParts * (maxFieldBytes + 1<<10)
)

// FormValue is one named part of a multipart form.
type FormValue struct {
	Name  string
	Value string
}

// ReadForm reads every named part of a multipart/form-data body in order.
// File parts are read like any other value; parts without a form name are
// skipped.
func ReadForm(contentType string, body io.Reader) ([]FormValue, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		return nil, ErrInvalidBoundary
	}

	mr := multipart.NewReader(body, params["boundary"])
	var values []FormValue
	for n := 0; ; n++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			return values, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedForm, err)
		}
		if n == maxParts {
			_ = part.Close()
			return nil, fmt.Errorf("%w: more than %d parts", ErrMalformedForm, maxParts)
		}

		name := part.FormName()
		data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
		_ = part.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %q: %w", ErrMalformedForm, name, err)
		}
		if len(data) > maxFieldBytes {
			return nil, fmt.Errorf("%w: field %q exceeds %d bytes", ErrMalformedForm, name, maxFieldBytes)
		}
		if name == "" {
			continue
		}
		values = append(values, FormValue{Name: name, Value: string(data)})
	}
}
