package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"text/tabwriter"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ossyrian/mpqkit/internal/install"
)

var infoCmd = &cobra.Command{
	Use:   "info <archive|dir>",
	Short: "Show archive header and table summary",
	Args:  cobra.ExactArgs(1),
	RunE:  info,
}

var listCmd = &cobra.Command{
	Use:   "list <archive|dir>",
	Short: "List known file names",
	Args:  cobra.ExactArgs(1),
	RunE:  list,
}

var extractCmd = &cobra.Command{
	Use:   "extract <archive|dir> [file...]",
	Short: "Extract files to the output directory",
	Args:  cobra.MinimumNArgs(1),
	RunE:  extract,
}

var buildCmd = &cobra.Command{
	Use:   "build <dir>",
	Short: "Detect the client build of an install directory",
	Args:  cobra.ExactArgs(1),
	RunE:  build,
}

func init() {
	extractCmd.Flags().StringP("output", "o", ".", "directory to extract files to")
	extractCmd.Flags().Bool("all", false, "extract every file named in the listfile")
	extractCmd.Flags().Bool("dry-run", false, "decode files without writing them (validation)")

	viper.BindPFlag("output_dir", extractCmd.Flags().Lookup("output"))
	viper.BindPFlag("dry_run", extractCmd.Flags().Lookup("dry-run"))
}

func info(cmd *cobra.Command, args []string) error {
	src, err := openSource(afero.NewOsFs(), args[0], cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch s := src.(type) {
	case archiveSource:
		h := s.Header()
		i := s.Info()
		fmt.Fprintf(w, "format version\t%d\n", i.FormatVersion)
		fmt.Fprintf(w, "header offset\t0x%x\n", h.Offset)
		fmt.Fprintf(w, "archive size\t%d\n", i.ArchiveSize)
		fmt.Fprintf(w, "sector size\t%d\n", h.SectorSize())
		fmt.Fprintf(w, "hash table entries\t%d\n", i.HashTableEntries)
		fmt.Fprintf(w, "block table entries\t%d\n", i.BlockTableEntries)
		fmt.Fprintf(w, "listfile names\t%d\n", i.FileCount)
		if ud := s.UserData(); ud != nil {
			fmt.Fprintf(w, "user data\t%d bytes at 0x%x\n", len(ud.Content), ud.Offset)
		}
	case installSource:
		fmt.Fprintf(w, "archives\t%d\n", s.ArchiveCount())
		fmt.Fprintf(w, "files\t%d\n", s.FileCount())
		fmt.Fprintf(w, "build\t%s\n", s.BuildID())
		for _, name := range s.ArchiveNames() {
			fmt.Fprintf(w, "archive\t%s\n", name)
		}
	}

	return nil
}

// selectFiles applies the configured filters, in order of precedence
// glob, extension and then everything
func selectFiles(src source) ([]string, error) {
	switch {
	case cfg.Glob != "":
		return src.Glob(cfg.Glob)
	case cfg.Extension != "":
		return src.FilesByExtension(cfg.Extension), nil
	default:
		return src.Files(), nil
	}
}

func list(cmd *cobra.Command, args []string) error {
	src, err := openSource(afero.NewOsFs(), args[0], cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	names, err := selectFiles(src)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, name := range names {
		fmt.Fprintln(out, name)
	}
	return nil
}

func extract(cmd *cobra.Command, args []string) error {
	fsys := afero.NewOsFs()

	src, err := openSource(fsys, args[0], cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	names := args[1:]
	if len(names) == 0 {
		all, _ := cmd.Flags().GetBool("all")
		if !all && cfg.Glob == "" && cfg.Extension == "" {
			return errors.New("nothing to extract: name files or pass --all, --ext or --glob")
		}
		if names, err = selectFiles(src); err != nil {
			return err
		}
	}

	slog.Info("extracting files", "count", len(names), "output", cfg.OutputDir, "dry_run", cfg.DryRun)

	var written, missing atomic.Int64
	p := pool.New().WithErrors().WithMaxGoroutines(runtime.GOMAXPROCS(0))
	for _, name := range names {
		p.Go(func() error {
			data, err := src.Read(name)
			if err != nil {
				return err
			}
			if data == nil {
				slog.Warn("file not found", "name", name)
				missing.Add(1)
				return nil
			}

			if cfg.DryRun {
				slog.Debug("decoded file", "name", name, "size", len(data))
				written.Add(1)
				return nil
			}

			out := outputPath(cfg.OutputDir, src.OutputName(name))
			if err := fsys.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", name, err)
			}
			if err := afero.WriteFile(fsys, out, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			slog.Debug("extracted file", "name", name, "path", out, "size", len(data))
			written.Add(1)
			return nil
		})
	}
	err = p.Wait()

	slog.Info("extraction finished", "extracted", written.Load(), "missing", missing.Load())
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}
	if missing.Load() > 0 {
		return fmt.Errorf("%d of %d files not found", missing.Load(), len(names))
	}
	return nil
}

// outputPath maps an archive path below dir. Archive paths use
// backslashes and must not climb out of dir.
func outputPath(dir, name string) string {
	rel := filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/"))
	return filepath.Join(dir, filepath.FromSlash(rel))
}

func build(cmd *cobra.Command, args []string) error {
	fi, err := os.Stat(args[0])
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", args[0])
	}

	inst := install.New(afero.NewOsFs(), args[0], install.WithLogger(slog.Default()))
	if err := inst.Load(); err != nil {
		return err
	}
	defer inst.Close()

	fmt.Fprintln(cmd.OutOrStdout(), inst.BuildID())
	return nil
}
