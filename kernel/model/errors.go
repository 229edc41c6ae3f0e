package model

import "strings"

// MultipleErrors aggregates independent failures into a single error.
type MultipleErrors []error

func (e MultipleErrors) Error() string {
	switch len(e) {
	case 0:
		return "no errors"
	case 1:
		return e[0].Error()
	}
	parts := make([]string, 0, len(e))
	for _, err := range e {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}

func (e MultipleErrors) Unwrap() []error {
	return e
}

// ToError returns nil for an empty set, the sole error for a set of one, and the set otherwise.
func (e MultipleErrors) ToError() error {
	switch len(e) {
	case 0:
		return nil
	case 1:
		return e[0]
	}
	return e
}
