package model

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

var errNotReady = errors.New("not ready")

func TestMultipleErrors_ToError(t *testing.T) {
	var errs MultipleErrors
	assert.NoError(t, errs.ToError())

	errs = append(errs, errNotReady)
	assert.Same(t, errNotReady, errs.ToError())

	errs = append(errs, errors.New("unreachable"))
	err := errs.ToError()
	assert.EqualError(t, err, "not ready; unreachable")
	assert.ErrorIs(t, err, errNotReady)
}
