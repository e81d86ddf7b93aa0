package install

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// DefaultBuild is used when nothing better can be inferred.
const DefaultBuild = "1.12.1.5875"

// Expansion is a client era distinguished by its archive set.
type Expansion string

const (
	Vanilla Expansion = "vanilla"
	TBC     Expansion = "tbc"
	WotLK   Expansion = "wotlk"
)

// expansionBuilds maps an era to the last build released for it.
var expansionBuilds = map[Expansion]string{
	WotLK:   "3.3.5.12340",
	TBC:     "2.4.3.8606",
	Vanilla: DefaultBuild,
}

// exeCandidates are the client executables probed, in order.
var exeCandidates = []string{"WoW.exe", "WowClassic.exe", "Wow.exe", "wow.exe"}

// fixedFileInfoSignature starts a VS_FIXEDFILEINFO (0xFEEF04BD).
var fixedFileInfoSignature = []byte{0xBD, 0x04, 0xEF, 0xFE}

// fixedFileInfoSize is the size of a VS_FIXEDFILEINFO structure.
const fixedFileInfoSize = 52

// ParseFixedFileInfo decodes the file version of a VS_FIXEDFILEINFO at
// off. The version is four 16-bit fields packed into two words:
//
//	[signature(u32)][struc_version(u32)][file_version_ms(u32)][file_version_ls(u32)]...
func ParseFixedFileInfo(buf []byte, off int) (string, bool) {
	if off < 0 || off+fixedFileInfoSize > len(buf) {
		return "", false
	}
	if !bytes.Equal(buf[off:off+4], fixedFileInfoSignature) {
		return "", false
	}

	ms := binary.LittleEndian.Uint32(buf[off+8:])
	ls := binary.LittleEndian.Uint32(buf[off+12:])
	return fmt.Sprintf("%d.%d.%d.%d", ms>>16, ms&0xFFFF, ls>>16, ls&0xFFFF), true
}

// FindVersion returns the first decodable file version in buf.
func FindVersion(buf []byte) (string, bool) {
	for pos := 0; pos < len(buf); {
		idx := bytes.Index(buf[pos:], fixedFileInfoSignature)
		if idx < 0 {
			break
		}
		idx += pos
		if v, ok := ParseFixedFileInfo(buf, idx); ok {
			return v, true
		}
		pos = idx + 1
	}
	return "", false
}

func readExeVersion(fsys afero.Fs, path string) (string, bool) {
	buf, err := afero.ReadFile(fsys, path)
	if err != nil || len(buf) < 64 {
		return "", false
	}
	if buf[0] != 'M' || buf[1] != 'Z' {
		return "", false
	}
	return FindVersion(buf)
}

// findExe looks for a client executable in dir and then its parent.
func findExe(fsys afero.Fs, dir string) (string, bool) {
	for _, d := range []string{dir, filepath.Dir(dir)} {
		for _, name := range exeCandidates {
			p := filepath.Join(d, name)
			if ok, _ := afero.Exists(fsys, p); ok {
				return p, true
			}
		}
	}
	return "", false
}

// InferExpansion guesses the era from the base names of the archives.
func InferExpansion(mpqPaths []string) Expansion {
	names := lo.Map(mpqPaths, func(p string, _ int) string {
		p = strings.ReplaceAll(p, `\`, "/")
		return strings.ToLower(p[strings.LastIndexByte(p, '/')+1:])
	})

	switch {
	case lo.Contains(names, "lichking.mpq"), lo.Contains(names, "expansion2.mpq"):
		return WotLK
	case lo.Contains(names, "expansion.mpq"):
		return TBC
	default:
		return Vanilla
	}
}

// DetectBuildVersion returns the client build of the install in dir. The
// version resource of the client executable is preferred; otherwise the
// build is inferred from the archive names.
func DetectBuildVersion(fsys afero.Fs, dir string, mpqPaths []string) string {
	return detectBuildVersion(fsys, dir, mpqPaths, slog.Default())
}

func detectBuildVersion(fsys afero.Fs, dir string, mpqPaths []string, logger *slog.Logger) string {
	if exe, ok := findExe(fsys, dir); ok {
		if v, ok := readExeVersion(fsys, exe); ok {
			logger.Info("detected build version", "exe", filepath.Base(exe), "build", v)
			return v
		}
	}

	exp := InferExpansion(mpqPaths)
	build := expansionBuilds[exp]
	logger.Info("inferred build version from archives", "expansion", exp, "build", build)
	return build
}
