// Package install merges the archives of a game installation into one
// case-insensitive file namespace.
//
// Archives are loaded in lexical path order and a later archive replaces
// the files of an earlier one, so patch archives override the base data
// they follow.
package install

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc/iter"
	"github.com/spf13/afero"

	"github.com/ossyrian/mpqkit/internal/mpq"
)

// ErrNoArchives is returned by Load when the directory holds no usable
// archive.
var ErrNoArchives = errors.New("install: no MPQ archives found")

// Progress steps reported through WithProgress.
const (
	StepScanning = "Scanning for MPQ archives"
	StepLoading  = "Loading MPQ archives"
	StepLoaded   = "MPQ archives loaded"
)

type archive struct {
	// name is the path relative to the install directory with
	// backslash separators.
	name    string
	archive *mpq.Archive
}

type entry struct {
	archive int
	name    string // as written in the owning archive's listfile
}

// Install is a directory of MPQ archives.
type Install struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger

	progress    func(step string)
	archiveOpts []mpq.Option
	mmap        bool
	cache       *fileCache

	archives []archive
	index    map[string]entry
	buildID  string
}

// New prepares an install rooted at dir on fsys. Nothing is read until
// Load is called.
func New(fsys afero.Fs, dir string, opts ...Option) *Install {
	i := &Install{
		fs:       fsys,
		dir:      dir,
		logger:   slog.Default(),
		progress: func(string) {},
		index:    make(map[string]entry),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Load scans the directory tree and opens every archive found. Archives
// that fail to open are logged and skipped.
func (i *Install) Load() error {
	i.progress(StepScanning)

	paths, err := scanArchives(i.fs, i.dir)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", i.dir, err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("%w in %s", ErrNoArchives, i.dir)
	}

	i.logger.Info("found archives", "count", len(paths), "dir", i.dir)
	i.progress(StepLoading)

	type result struct {
		name    string
		archive *mpq.Archive
		err     error
	}
	results := iter.Map(paths, func(path *string) result {
		name := i.displayName(*path)
		a, err := i.openArchive(*path, name)
		return result{name: name, archive: a, err: err}
	})

	for _, r := range results {
		if r.err != nil {
			i.logger.Warn("skipping archive", "archive", r.name, "error", r.err)
			continue
		}

		info := r.archive.Info()
		i.logger.Info("loaded archive",
			"archive", r.name,
			"format_version", info.FormatVersion,
			"files", info.FileCount,
			"hash_entries", info.HashTableEntries,
			"block_entries", info.BlockTableEntries,
		)

		idx := len(i.archives)
		i.archives = append(i.archives, archive{name: r.name, archive: r.archive})
		for _, name := range r.archive.GetAllFiles() {
			i.index[strings.ToLower(name)] = entry{archive: idx, name: name}
		}
	}

	if len(i.archives) == 0 {
		return fmt.Errorf("%w: none of %d archives in %s could be opened", ErrNoArchives, len(paths), i.dir)
	}

	i.buildID = detectBuildVersion(i.fs, i.dir, paths, i.logger)

	i.progress(StepLoaded)
	i.logger.Info("loaded install",
		"archives", len(i.archives),
		"files", len(i.index),
		"build", i.buildID,
	)

	return nil
}

func (i *Install) openArchive(path, name string) (*mpq.Archive, error) {
	opts := append([]mpq.Option{mpq.WithName(name), mpq.WithLogger(i.logger)}, i.archiveOpts...)

	if _, ok := i.fs.(*afero.OsFs); ok && i.mmap {
		return mpq.OpenMapped(path, opts...)
	}

	f, err := i.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	a, err := mpq.New(f, fi.Size(), append(opts, mpq.WithCloser(f))...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

func (i *Install) displayName(path string) string {
	rel, err := filepath.Rel(i.dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", `\`)
}

// scanArchives returns every file below dir with an .mpq extension in
// any case, in lexical order.
func scanArchives(fsys afero.Fs, dir string) ([]string, error) {
	var paths []string

	stack := []string{dir}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := afero.ReadDir(fsys, cur)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			full := filepath.Join(cur, e.Name())
			switch {
			case e.IsDir():
				stack = append(stack, full)
			case strings.EqualFold(filepath.Ext(e.Name()), ".mpq"):
				paths = append(paths, full)
			}
		}
	}

	slices.Sort(paths)
	return paths, nil
}

func (i *Install) lookup(displayPath string) (entry, bool) {
	p := strings.ReplaceAll(displayPath, "/", `\`)
	for {
		if e, ok := i.index[strings.ToLower(p)]; ok {
			return e, true
		}
		cut := strings.IndexByte(p, '\\')
		if cut < 0 {
			return entry{}, false
		}
		p = p[cut+1:]
	}
}

// GetFile returns the contents of a file. displayPath may be a bare
// archive path or one prefixed with the owning archive's name, as
// returned by GetAllFiles. It returns nil and no error for unknown files.
func (i *Install) GetFile(displayPath string) ([]byte, error) {
	e, ok := i.lookup(displayPath)
	if !ok {
		return nil, nil
	}

	key := strings.ToLower(e.name)
	if data, ok := i.cache.get(key); ok {
		return bytes.Clone(data), nil
	}

	a := i.archives[e.archive]
	data, err := a.archive.ExtractFile(e.name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from %s: %w", e.name, a.name, err)
	}
	if data != nil {
		i.cache.add(key, bytes.Clone(data))
	}
	return data, nil
}

// Resolve returns the archive path that displayPath refers to.
func (i *Install) Resolve(displayPath string) (string, bool) {
	e, ok := i.lookup(displayPath)
	return e.name, ok
}

// HasFile reports whether displayPath resolves to a file.
func (i *Install) HasFile(displayPath string) bool {
	_, ok := i.lookup(displayPath)
	return ok
}

func (i *Install) displayPath(e entry) string {
	return i.archives[e.archive].name + `\` + e.name
}

func (i *Install) sortedEntries(keep func(lower string) bool) []string {
	keys := lo.Filter(lo.Keys(i.index), func(k string, _ int) bool { return keep(k) })
	slices.Sort(keys)
	return lo.Map(keys, func(k string, _ int) string { return i.displayPath(i.index[k]) })
}

// GetAllFiles returns the display path of every file, sorted by file name.
func (i *Install) GetAllFiles() []string {
	return i.sortedEntries(func(string) bool { return true })
}

// GetFilesByExtension returns the display paths of files ending in ext,
// compared case-insensitively. The leading dot is optional.
func (i *Install) GetFilesByExtension(ext string) []string {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return i.sortedEntries(func(k string) bool { return strings.HasSuffix(k, ext) })
}

// Glob returns the display paths of files whose archive path matches
// pattern. See MatchGlob for the pattern syntax.
func (i *Install) Glob(pattern string) ([]string, error) {
	if err := ValidateGlob(pattern); err != nil {
		return nil, err
	}
	return i.sortedEntries(func(k string) bool {
		ok, _ := MatchGlob(pattern, k)
		return ok
	}), nil
}

// FileCount is the number of distinct file names in the install.
func (i *Install) FileCount() int {
	return len(i.index)
}

// ArchiveCount is the number of archives that were opened.
func (i *Install) ArchiveCount() int {
	return len(i.archives)
}

// ArchiveNames returns the loaded archives in load order.
func (i *Install) ArchiveNames() []string {
	return lo.Map(i.archives, func(a archive, _ int) string { return a.name })
}

// BuildID is the client build detected by Load, such as "3.3.5.12340".
func (i *Install) BuildID() string {
	return i.buildID
}

// Close closes every archive.
func (i *Install) Close() error {
	var errs []error
	for _, a := range i.archives {
		if err := a.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", a.name, err))
		}
	}
	return errors.Join(errs...)
}
