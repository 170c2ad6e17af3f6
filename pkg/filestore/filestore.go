// Package filestore implements the read/write/delete capability the CFDP
// engine needs from a filestore, plus execution of filestore requests.
package filestore

import (
	"io"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"avaneesh/cfdp-go/pkg/pdu"
)

// ErrNotFound is returned when a named file does not exist
var ErrNotFound = errors.New("file not found")

// File is an open filestore file
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
}

// Filestore is the contract between the engine and file storage.
// Implementations must be safe for concurrent use by different transactions.
type Filestore interface {
	// Size returns the size of a file in octets
	Size(name string) (uint64, error)
	// OpenRead opens a file for reading
	OpenRead(name string) (File, error)
	// CreateTemp creates a partial file next to dest and returns it with its name
	CreateTemp(dest string) (File, string, error)
	// Commit moves a completed temp file to its destination, replacing any existing file
	Commit(temp, dest string) error
	// Remove deletes a file
	Remove(name string) error
	// Execute performs a filestore request and reports the outcome
	Execute(req pdu.FilestoreRequest) pdu.FilestoreResponse
}

// TempPrefix and TempSuffix bracket the names of partially received files
const (
	TempPrefix = ".cfdp-"
	TempSuffix = ".part"
)

// Afero is a Filestore over an afero file system
type Afero struct {
	fs afero.Fs
}

// New creates a filestore over any afero file system
func New(fs afero.Fs) *Afero {
	return &Afero{fs: fs}
}

// NewOS creates a filestore rooted at dir on the local disk. Names cannot escape dir.
func NewOS(dir string) (*Afero, error) {
	osfs := afero.NewOsFs()
	if err := osfs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create filestore root %s", dir)
	}
	return New(afero.NewBasePathFs(osfs, dir)), nil
}

// NewMemory creates an in-memory filestore
func NewMemory() *Afero {
	return New(afero.NewMemMapFs())
}

// Fs exposes the underlying file system
func (a *Afero) Fs() afero.Fs {
	return a.fs
}

func clean(name string) string {
	return path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
}

func notFound(err error) error {
	if os.IsNotExist(errors.Cause(err)) {
		return errors.Wrap(ErrNotFound, err.Error())
	}
	return err
}

// Size implements Filestore
func (a *Afero) Size(name string) (uint64, error) {
	info, err := a.fs.Stat(clean(name))
	if err != nil {
		return 0, notFound(errors.Wrapf(err, "stat %s", name))
	}
	if info.IsDir() {
		return 0, errors.Errorf("%s is a directory", name)
	}
	return uint64(info.Size()), nil
}

// OpenRead implements Filestore
func (a *Afero) OpenRead(name string) (File, error) {
	f, err := a.fs.Open(clean(name))
	if err != nil {
		return nil, notFound(errors.Wrapf(err, "open %s", name))
	}
	return f, nil
}

// CreateTemp implements Filestore
func (a *Afero) CreateTemp(dest string) (File, string, error) {
	dir := path.Dir(clean(dest))
	if err := a.fs.MkdirAll(dir, 0755); err != nil {
		return nil, "", errors.Wrapf(err, "create directory %s", dir)
	}
	name := path.Join(dir, TempPrefix+uuid.New().String()+TempSuffix)
	f, err := a.fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, "", errors.Wrapf(err, "create %s", name)
	}
	return f, name, nil
}

// Commit implements Filestore
func (a *Afero) Commit(temp, dest string) error {
	dest = clean(dest)
	if info, err := a.fs.Stat(dest); err == nil && info.IsDir() {
		return errors.Errorf("destination %s is a directory", dest)
	}
	if err := a.fs.Rename(clean(temp), dest); err != nil {
		return errors.Wrapf(err, "rename %s to %s", temp, dest)
	}
	return nil
}

// Remove implements Filestore
func (a *Afero) Remove(name string) error {
	if err := a.fs.Remove(clean(name)); err != nil {
		return notFound(errors.Wrapf(err, "remove %s", name))
	}
	return nil
}

// IsTemp reports whether name is a partial file created by CreateTemp
func IsTemp(name string) bool {
	base := path.Base(name)
	return strings.HasPrefix(base, TempPrefix) && strings.HasSuffix(base, TempSuffix)
}
