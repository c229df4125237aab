package lxhost

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/lxhost/lxhost/go/models"
)

// File is an executable opened for loading.
type File interface {
	io.ReaderAt
	io.Closer
	Name() string
}

// Resolver opens executables and interpreters by guest path.
type Resolver interface {
	OpenExecutable(path string) (File, error)
}

// HostResolver resolves guest paths on the local file system. Absolute paths
// are rebased under Config.LoadPrefix; relative ones are taken from Dir.
type HostResolver struct {
	Config *models.Config
	Dir    string
}

func (r *HostResolver) OpenExecutable(path string) (File, error) {
	if path == "" {
		return nil, errors.New("empty executable path")
	}
	if !filepath.IsAbs(path) && r.Dir != "" {
		path = filepath.Join(r.Dir, path)
	}
	target := path
	if r.Config != nil {
		target = r.Config.PrefixPath(path, false)
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	if fi.IsDir() {
		f.Close()
		return nil, errors.Errorf("%s is a directory", path)
	}
	return f, nil
}
