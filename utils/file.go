package utils

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// RemoveFileNoError will remove the file at the given path if it exists. Any
// errors will be suppressed.
func RemoveFileNoError(path string) {
	goutils.UncheckedErrorFunc(func() error {
		if _, err := os.Stat(path); err == nil {
			return os.Remove(path)
		}
		return nil
	})
}

// SafeJoinDir joins parent and subdir, returning an error when the result would not lie strictly
// inside parent.
func SafeJoinDir(parent, subdir string) (string, error) {
	res := filepath.Join(parent, subdir)
	rel, err := filepath.Rel(filepath.Clean(parent), res)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return res, errors.Errorf("unsafe path join: '%s' with '%s'", parent, subdir)
	}
	return res, nil
}

// WriteFileAtomic streams write's output into a temporary file next to path and renames it into
// place only when write and the final flush both succeed. On any failure no file is left at path
// and the temporary file is removed.
func WriteFileAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "cannot create temporary file for %q", path)
	}
	tmpName := tmp.Name()
	guard := NewGuard(func() {
		//nolint:errcheck
		tmp.Close()
		RemoveFileNoError(tmpName)
	})
	defer guard.OnFail()

	if err := write(tmp); err != nil {
		return errors.Wrapf(err, "cannot write %q", path)
	}
	if err := multierr.Combine(tmp.Sync(), tmp.Close()); err != nil {
		return errors.Wrapf(err, "cannot flush %q", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "cannot move %q into place", path)
	}
	guard.Success()
	return nil
}
