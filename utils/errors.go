package utils

import (
	"github.com/pkg/errors"
)

// NewUnexpectedTypeError is used when there is a type mismatch.
func NewUnexpectedTypeError(expected interface{}, actual interface{}) error {
	return errors.Errorf("expected %T but got %T", expected, actual)
}

// NewSizeMismatchError is returned when two images that must share dimensions do not.
func NewSizeMismatchError(what string, wantW, wantH, gotW, gotH int) error {
	return errors.Errorf("%s size mismatch: expected %dx%d but got %dx%d", what, wantW, wantH, gotW, gotH)
}
