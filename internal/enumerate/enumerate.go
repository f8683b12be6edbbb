// Package enumerate walks a theme directory once and produces the ordered
// task list an export job consumes.
package enumerate

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/themeexport/themeexport/internal/exclusion"
	"github.com/themeexport/themeexport/internal/job"
)

// ErrSourceMissing is returned when the root does not exist or is not a directory.
var ErrSourceMissing = errors.New("theme source directory not found")

// Build walks root in pre-order, sorted by name. Every non-root directory
// yields a directory task ahead of its contents; every file yields a file
// task. Paths matched by filter are skipped, and excluded directories are
// not descended into. Symlinks are ignored.
func Build(fs afero.Fs, root string, filter *exclusion.Filter) ([]job.Task, error) {
	info, err := fs.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, root)
		}
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrSourceMissing, root)
	}

	tasks := []job.Task{}
	if err := walk(fs, root, "", filter, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func walk(fs afero.Fs, root, rel string, filter *exclusion.Filter, tasks *[]job.Task) error {
	dir := root
	if rel != "" {
		dir = filepath.Join(root, filepath.FromSlash(rel))
	}
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.Mode()&os.ModeSymlink != 0 {
			continue
		}
		p := e.Name()
		if rel != "" {
			p = path.Join(rel, e.Name())
		}
		if filter.Match(p) {
			continue
		}
		if e.IsDir() {
			*tasks = append(*tasks, job.Task{Kind: job.TaskDirectory, Source: p, Dest: p})
			if err := walk(fs, root, p, filter, tasks); err != nil {
				return err
			}
			continue
		}
		if !e.Mode().IsRegular() {
			continue
		}
		*tasks = append(*tasks, job.Task{Kind: job.TaskFile, Source: p, Dest: p})
	}
	return nil
}
