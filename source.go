package main

import (
	"fmt"
	"log/slog"

	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/ossyrian/mpqkit/internal/config"
	"github.com/ossyrian/mpqkit/internal/install"
	"github.com/ossyrian/mpqkit/internal/mpq"
)

// source is a single archive or a merged install directory
type source interface {
	Files() []string
	FilesByExtension(ext string) []string
	Glob(pattern string) ([]string, error)
	Read(name string) ([]byte, error)
	// OutputName is the path name is written to when extracted
	OutputName(name string) string
	Close() error
}

// openSource opens path as an install when it is a directory and as an
// archive otherwise
func openSource(fsys afero.Fs, path string, cfg *config.Config) (source, error) {
	var opts []mpq.Option
	id, ok, err := cfg.LocaleID()
	if err != nil {
		return nil, err
	}
	if ok {
		opts = append(opts, mpq.WithLocale(id))
	}

	fi, err := fsys.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if fi.IsDir() {
		inst := install.New(fsys, path,
			install.WithLogger(slog.Default()),
			install.WithArchiveOptions(opts...),
			install.WithCacheEntries(cfg.CacheEntries),
			install.WithMmap(cfg.UseMmap),
			install.WithProgress(func(step string) { slog.Debug(step) }),
		)
		if err := inst.Load(); err != nil {
			return nil, err
		}
		return installSource{inst}, nil
	}

	open := mpq.Open
	if cfg.UseMmap {
		open = mpq.OpenMapped
	}
	a, err := open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return archiveSource{a}, nil
}

type archiveSource struct {
	*mpq.Archive
}

func (s archiveSource) Files() []string {
	return s.GetAllFiles()
}

func (s archiveSource) FilesByExtension(ext string) []string {
	return s.GetFilesByExtension(ext)
}

func (s archiveSource) Glob(pattern string) ([]string, error) {
	if err := install.ValidateGlob(pattern); err != nil {
		return nil, err
	}
	return lo.Filter(s.GetAllFiles(), func(name string, _ int) bool {
		ok, _ := install.MatchGlob(pattern, name)
		return ok
	}), nil
}

func (s archiveSource) Read(name string) ([]byte, error) {
	return s.ExtractFile(name)
}

func (s archiveSource) OutputName(name string) string {
	return name
}

type installSource struct {
	*install.Install
}

func (s installSource) Files() []string {
	return s.GetAllFiles()
}

func (s installSource) FilesByExtension(ext string) []string {
	return s.GetFilesByExtension(ext)
}

func (s installSource) Read(name string) ([]byte, error) {
	return s.GetFile(name)
}

func (s installSource) OutputName(name string) string {
	if resolved, ok := s.Resolve(name); ok {
		return resolved
	}
	return name
}
