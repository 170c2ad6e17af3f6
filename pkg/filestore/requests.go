package filestore

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"avaneesh/cfdp-go/pkg/pdu"
)

// Filestore response status codes
const (
	StatusSuccessful   uint8 = 0
	StatusNotPerformed uint8 = 15
)

// Status codes per action (the non-zero outcomes)
const (
	createNotAllowed = 1

	deleteNotFound   = 1
	deleteNotAllowed = 2

	renameOldNotFound = 1
	renameNewExists   = 2
	renameNotAllowed  = 3

	mergeFirstNotFound  = 1 // append and replace
	mergeSecondNotFound = 2
	mergeNotAllowed     = 3

	createDirFailed = 1

	removeDirNotFound   = 1
	removeDirNotAllowed = 2

	denyNotAllowed = 2
)

// Execute implements Filestore
func (a *Afero) Execute(req pdu.FilestoreRequest) pdu.FilestoreResponse {
	resp := pdu.FilestoreResponse{
		Action:     req.Action,
		FirstName:  req.FirstName,
		SecondName: req.SecondName,
	}
	status, err := a.execute(req)
	resp.Status = status
	if err != nil {
		resp.Message = err.Error()
	}
	return resp.Fit()
}

func (a *Afero) execute(req pdu.FilestoreRequest) (uint8, error) {
	first := clean(req.FirstName)
	second := clean(req.SecondName)

	switch req.Action {
	case pdu.ActionCreateFile:
		f, err := a.fs.OpenFile(first, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return createNotAllowed, errors.Wrapf(err, "create %s", first)
		}
		return StatusSuccessful, f.Close()

	case pdu.ActionDeleteFile:
		if !a.isFile(first) {
			return deleteNotFound, errors.Errorf("%s does not exist", first)
		}
		if err := a.fs.Remove(first); err != nil {
			return deleteNotAllowed, errors.Wrapf(err, "delete %s", first)
		}
		return StatusSuccessful, nil

	case pdu.ActionRenameFile:
		if !a.isFile(first) {
			return renameOldNotFound, errors.Errorf("%s does not exist", first)
		}
		if a.exists(second) {
			return renameNewExists, errors.Errorf("%s already exists", second)
		}
		if err := a.fs.Rename(first, second); err != nil {
			return renameNotAllowed, errors.Wrapf(err, "rename %s", first)
		}
		return StatusSuccessful, nil

	case pdu.ActionAppendFile, pdu.ActionReplaceFile:
		if !a.isFile(first) {
			return mergeFirstNotFound, errors.Errorf("%s does not exist", first)
		}
		if !a.isFile(second) {
			return mergeSecondNotFound, errors.Errorf("%s does not exist", second)
		}
		flags := os.O_WRONLY | os.O_APPEND
		if req.Action == pdu.ActionReplaceFile {
			flags = os.O_WRONLY | os.O_TRUNC
		}
		if err := a.copyInto(first, second, flags); err != nil {
			return mergeNotAllowed, err
		}
		return StatusSuccessful, nil

	case pdu.ActionCreateDirectory:
		if err := a.fs.MkdirAll(first, 0755); err != nil {
			return createDirFailed, errors.Wrapf(err, "mkdir %s", first)
		}
		return StatusSuccessful, nil

	case pdu.ActionRemoveDirectory:
		ok, err := afero.DirExists(a.fs, first)
		if err != nil || !ok {
			return removeDirNotFound, errors.Errorf("directory %s does not exist", first)
		}
		if err := a.fs.Remove(first); err != nil {
			return removeDirNotAllowed, errors.Wrapf(err, "rmdir %s", first)
		}
		return StatusSuccessful, nil

	case pdu.ActionDenyFile:
		if a.isFile(first) {
			if err := a.fs.Remove(first); err != nil {
				return denyNotAllowed, errors.Wrapf(err, "deny %s", first)
			}
		}
		return StatusSuccessful, nil

	case pdu.ActionDenyDirectory:
		if ok, _ := afero.DirExists(a.fs, first); ok {
			if err := a.fs.Remove(first); err != nil {
				return denyNotAllowed, errors.Wrapf(err, "deny directory %s", first)
			}
		}
		return StatusSuccessful, nil

	default:
		return StatusNotPerformed, errors.Errorf("unsupported action %s", req.Action)
	}
}

func (a *Afero) exists(name string) bool {
	ok, err := afero.Exists(a.fs, name)
	return err == nil && ok
}

func (a *Afero) isFile(name string) bool {
	info, err := a.fs.Stat(name)
	return err == nil && !info.IsDir()
}

// copyInto writes the content of src into dst opened with flags
func (a *Afero) copyInto(dst, src string, flags int) error {
	in, err := a.fs.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	out, err := a.fs.OpenFile(dst, flags, 0644)
	if err != nil {
		return errors.Wrapf(err, "open %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s into %s", src, dst)
	}
	return errors.Wrapf(out.Close(), "close %s", dst)
}

// ExecuteAll runs requests in order. Once a request fails the rest are reported
// as not performed. It returns false if any request failed.
func ExecuteAll(fs Filestore, reqs []pdu.FilestoreRequest) ([]pdu.FilestoreResponse, bool) {
	out := make([]pdu.FilestoreResponse, 0, len(reqs))
	ok := true
	for _, req := range reqs {
		if !ok {
			out = append(out, pdu.FilestoreResponse{
				Action:     req.Action,
				Status:     StatusNotPerformed,
				FirstName:  req.FirstName,
				SecondName: req.SecondName,
			}.Fit())
			continue
		}
		resp := fs.Execute(req)
		if resp.Status != StatusSuccessful {
			ok = false
		}
		out = append(out, resp)
	}
	return out, ok
}
