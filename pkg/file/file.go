package file

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"go.uber.org/zap"
)

var (
	ErrPathIsDir  = errors.New("supplied path is a directory")
	ErrPathIsFile = errors.New("supplied path is a file")
)

// OpenAppendP opens a file for appending and creates it and all its directories if needed
// Make sure you close the file when using this function!
func OpenAppendP(filePath string, dirPerm fs.FileMode) (*os.File, error) {
	absDirPath, err := filepath.Abs(filepath.Dir(filePath))
	if err != nil {
		return nil, err
	}

	if err = os.MkdirAll(absDirPath, dirPerm); err != nil {
		return nil, err
	}

	return os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
}

// WriteAtomic writes data to a temporary sibling and renames it over filePath
func WriteAtomic(filePath string, data []byte) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filePath)+".*")
	if err != nil {
		return err
	}

	// Remove the leftover if anything below fails
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}

	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}

	if err = tmp.Close(); err != nil {
		return err
	}

	if err = os.Rename(tmp.Name(), filePath); err != nil {
		return err
	}

	return SyncDir(dir)
}

// SyncDir fsyncs a directory so freshly created entries survive a power cut
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}

	defer func(d *os.File) {
		_ = d.Close()
	}(d)

	if err = d.Sync(); err != nil {
		// Some filesystems (vfat on older kernels) refuse directory fsync
		if errors.Is(err, os.ErrInvalid) {
			log.Debug("directory fsync not supported", zap.String("dir", dir))
			return nil
		}
		return err
	}

	return nil
}

func Exists(path string) error {
	s, err := os.Stat(path)
	if err != nil {
		return err
	}

	if s.IsDir() {
		return ErrPathIsDir
	}

	return nil
}

func IsDir(path string) error {
	s, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !s.IsDir() {
		return ErrPathIsFile
	}

	return nil
}

// IsWritableDir checks that path is a directory we can create files in
func IsWritableDir(path string) bool {
	if IsDir(path) != nil {
		return false
	}

	probe, err := os.CreateTemp(path, ".rtt-probe-*")
	if err != nil {
		return false
	}

	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return true
}
