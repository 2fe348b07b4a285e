package blueprint

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("blueprint not found")
	ErrMalformed = errors.New("malformed blueprint")
)

// NotFoundError is returned by lookups for unknown names.
type NotFoundError struct {
	Category string
	Name     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", singular(e.Category), e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// MalformedError names the offending file and field.
type MalformedError struct {
	Path   string
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed blueprint %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("malformed blueprint %s: field %q: %s", e.Path, e.Field, e.Reason)
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

func malformed(path, field, format string, args ...any) error {
	return &MalformedError{Path: path, Field: field, Reason: fmt.Sprintf(format, args...)}
}

func singular(category string) string {
	switch category {
	case CategoryFramework:
		return "framework"
	case CategoryConstraint:
		return "constraint"
	case CategoryWorkflow:
		return "workflow"
	}
	return category
}
