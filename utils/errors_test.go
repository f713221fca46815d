package utils

import (
	"testing"

	"go.viam.com/test"
)

type someStruct struct{}

func TestNewUnexpectedTypeError(t *testing.T) {
	for _, tc := range []struct {
		name     string
		expected interface{}
		actual   interface{}
		errStr   string
	}{
		{"one", "exp1", "actual1", `expected string but got string`},
		{"two", 1, "actual2", `expected int but got string`},
		{"three", (*someStruct)(nil), 6, `expected *utils.someStruct but got int`},
		{"four", someStruct{}, 7, `expected utils.someStruct but got int`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := NewUnexpectedTypeError(tc.expected, tc.actual)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errStr)
		})
	}
}

func TestNewSizeMismatchError(t *testing.T) {
	err := NewSizeMismatchError("color", 640, 480, 320, 240)
	test.That(t, err.Error(), test.ShouldEqual, "color size mismatch: expected 640x480 but got 320x240")
}
