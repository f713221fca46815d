package utils

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	err := WriteFileAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "hello")
		return err
	})
	test.That(t, err, test.ShouldBeNil)
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "hello")

	failPath := filepath.Join(dir, "fail.txt")
	err = WriteFileAtomic(failPath, func(w io.Writer) error {
		if _, err := io.WriteString(w, "partial"); err != nil {
			return err
		}
		return errors.New("disk full")
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "disk full")
	_, err = os.Stat(failPath)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldHaveLength, 1)

	err = WriteFileAtomic(filepath.Join(dir, "missing", "x.txt"), func(w io.Writer) error { return nil })
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSafeJoinDir(t *testing.T) {
	_, err := SafeJoinDir("/tmp/a", "b")
	test.That(t, err, test.ShouldBeNil)
	_, err = SafeJoinDir("/tmp/a", "../b")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = SafeJoinDir("/tmp/a", "b/../../a")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = SafeJoinDir("/tmp/a", ".")
	test.That(t, err, test.ShouldNotBeNil)

	p, err := SafeJoinDir(".", "out/x.pcd")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldEqual, filepath.Join("out", "x.pcd"))
	p, err = SafeJoinDir("/tmp/a", "..b")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldEqual, "/tmp/a/..b")
}
