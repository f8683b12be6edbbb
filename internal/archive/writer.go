// Package archive writes export ZIP files incrementally across processing
// steps.
//
// Each step opens the archive, carries the entries written by earlier steps
// into a fresh temporary file by raw copy, appends new entries and renames
// the result over the original on Close. A step that dies midway leaves the
// previous archive untouched.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/themeexport/themeexport/internal/job"
)

// Error is returned by every Writer operation that fails.
type Error struct {
	Op   string
	Path string
	Code job.FailureCode
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the failure code carried by err, defaulting to write_error.
func CodeOf(err error) job.FailureCode {
	var ae *Error
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return job.FailureWriteError
}

func writeErr(op, p string, err error) error {
	return &Error{Op: op, Path: p, Code: job.FailureWriteError, Err: err}
}

type Writer struct {
	fs      afero.Fs
	path    string
	tmp     afero.File
	zw      *zip.Writer
	dirs    map[string]bool
	files   map[string]bool
	entries []string
	done    bool
}

// Open prepares a writer for path on fs. known seeds the set of directory
// entries already recorded by the caller.
func Open(fs afero.Fs, p string, known map[string]bool) (*Writer, error) {
	dir := filepath.Dir(p)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, writeErr("create export dir", dir, err)
	}
	tmp, err := afero.TempFile(fs, dir, filepath.Base(p)+".*.part")
	if err != nil {
		return nil, writeErr("create temp archive", p, err)
	}

	w := &Writer{
		fs:    fs,
		path:  p,
		tmp:   tmp,
		zw:    zip.NewWriter(tmp),
		dirs:  make(map[string]bool),
		files: make(map[string]bool),
	}
	for d, ok := range known {
		if ok {
			w.dirs[d] = true
		}
	}
	if err := w.carryOver(); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

// carryOver copies the entries of an existing archive without recompressing.
func (w *Writer) carryOver() error {
	info, err := w.fs.Stat(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return writeErr("stat archive", w.path, err)
	}
	if info.Size() == 0 {
		return nil
	}

	f, err := w.fs.Open(w.path)
	if err != nil {
		return writeErr("open archive", w.path, err)
	}
	defer f.Close()

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return writeErr("read archive", w.path, err)
	}
	for _, entry := range zr.File {
		if err := w.zw.Copy(entry); err != nil {
			return writeErr("copy entry", entry.Name, err)
		}
		w.track(entry.Name)
	}
	return nil
}

func (w *Writer) track(name string) {
	w.entries = append(w.entries, name)
	if strings.HasSuffix(name, "/") {
		w.dirs[strings.TrimSuffix(name, "/")] = true
	} else {
		w.files[name] = true
	}
}

func cleanRel(rel string) string {
	rel = strings.ReplaceAll(rel, `\`, "/")
	for strings.HasPrefix(rel, "./") {
		rel = rel[2:]
	}
	rel = strings.Trim(rel, "/")
	if rel == "" || rel == "." {
		return ""
	}
	return path.Clean(rel)
}

// AddDirectory writes a directory entry for rel unless one exists already.
// The archive root ("", ".", "./") never gets an entry. It reports whether
// an entry was written.
func (w *Writer) AddDirectory(rel string) (bool, error) {
	rel = cleanRel(rel)
	if rel == "" || w.dirs[rel] {
		return false, nil
	}
	fh := &zip.FileHeader{
		Name:     rel + "/",
		Method:   zip.Store,
		Modified: time.Now(),
	}
	fh.SetMode(os.ModeDir | 0o755)
	if _, err := w.zw.CreateHeader(fh); err != nil {
		return false, writeErr("add directory", rel, err)
	}
	w.track(fh.Name)
	return true, nil
}

// AddFile streams sourcePath from src into the archive as rel. An entry
// that already exists is left as is. A source that no longer exists
// yields an Error with code source_missing.
func (w *Writer) AddFile(src afero.Fs, sourcePath, rel string) error {
	rel = cleanRel(rel)
	if rel == "" {
		return writeErr("add file", sourcePath, errors.New("empty entry name"))
	}
	if w.files[rel] {
		return nil
	}

	f, err := src.Open(sourcePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Error{Op: "open source", Path: sourcePath, Code: job.FailureSourceMissing, Err: err}
		}
		return writeErr("open source", sourcePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return writeErr("stat source", sourcePath, err)
	}
	if info.IsDir() {
		return writeErr("add file", sourcePath, errors.New("source is a directory"))
	}

	fh, err := zip.FileInfoHeader(info)
	if err != nil {
		return writeErr("build header", sourcePath, err)
	}
	fh.Name = rel
	fh.Method = zip.Deflate

	dst, err := w.zw.CreateHeader(fh)
	if err != nil {
		return writeErr("add file", rel, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return writeErr("write file", rel, err)
	}
	w.track(rel)
	return nil
}

// Entries returns the entry names in archive order.
func (w *Writer) Entries() []string {
	return append([]string(nil), w.entries...)
}

// Directories returns the set of directory entries present in the archive.
func (w *Writer) Directories() map[string]bool {
	out := make(map[string]bool, len(w.dirs))
	for d := range w.dirs {
		out[d] = true
	}
	return out
}

// Close finalizes the archive and moves it into place.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	tmpName := w.tmp.Name()

	if err := w.zw.Close(); err != nil {
		w.tmp.Close()
		w.fs.Remove(tmpName)
		return writeErr("finalize archive", w.path, err)
	}
	if err := w.tmp.Sync(); err != nil {
		w.tmp.Close()
		w.fs.Remove(tmpName)
		return writeErr("sync archive", w.path, err)
	}
	if err := w.tmp.Close(); err != nil {
		w.fs.Remove(tmpName)
		return writeErr("close archive", w.path, err)
	}
	if err := w.fs.Chmod(tmpName, 0o644); err != nil {
		w.fs.Remove(tmpName)
		return writeErr("chmod archive", w.path, err)
	}
	if err := w.fs.Rename(tmpName, w.path); err != nil {
		w.fs.Remove(tmpName)
		return writeErr("rename archive", w.path, err)
	}
	return nil
}

// Abort discards everything written since Open.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.tmp.Close()
	w.fs.Remove(w.tmp.Name())
}

// Size is the default archive size lookup.
func Size(fs afero.Fs, p string) (int64, error) {
	info, err := fs.Stat(p)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// List returns the entry names stored in the archive at p.
func List(fs afero.Fs, p string) ([]string, error) {
	f, err := fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, err
	}
	names := make([]string, len(zr.File))
	for i, e := range zr.File {
		names[i] = e.Name
	}
	return names, nil
}
