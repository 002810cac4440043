package identity

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// SafeWrite writes data to path atomically: tempfile -> fsync -> rename.
// The tempfile is created in the same directory as path so the rename stays
// on one filesystem.
func SafeWrite(path string, data []byte, perm os.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsync temp file")
	}
	if err = f.Chmod(perm); err != nil {
		f.Close()
		return errors.Wrap(err, "chmod temp file")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err = os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "rename temp to target")
	}
	return nil
}
