package install_test

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"

	"github.com/spf13/afero"

	"github.com/ossyrian/mpqkit/internal/install"
	"github.com/ossyrian/mpqkit/internal/mpq"
	"github.com/ossyrian/mpqkit/internal/mpqtest"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeArchive(t *testing.T, fsys afero.Fs, path string, files ...mpqtest.File) {
	t.Helper()

	b := &mpqtest.Builder{Listfile: true, Files: files}
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	writeFile(t, fsys, path, data)
}

func writeFile(t *testing.T, fsys afero.Fs, path string, data []byte) {
	t.Helper()

	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fsys, path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// sampleInstall lays out a base archive, a locale archive in a sub
// directory, a patch overriding one base file and an unreadable archive.
func sampleInstall(t *testing.T) afero.Fs {
	t.Helper()

	fsys := afero.NewMemMapFs()
	writeArchive(t, fsys, "/wow/Data/common.MPQ",
		mpqtest.File{Name: `Interface\x.txt`, Data: []byte("base")},
		mpqtest.File{Name: `DBFilesClient\Spell.dbc`, Data: []byte("spell"), Flags: mpq.FlagCompress | mpq.FlagEncrypted, Codec: mpqtest.ZlibSector},
	)
	writeArchive(t, fsys, "/wow/Data/enUS/locale-enUS.MPQ",
		mpqtest.File{Name: `Sound\hello.wav`, Data: []byte("wav")},
	)
	writeArchive(t, fsys, "/wow/Data/patch.mpq",
		mpqtest.File{Name: `interface\X.TXT`, Data: []byte("patched")},
	)
	writeFile(t, fsys, "/wow/Data/broken.mpq", []byte("not an archive"))
	writeFile(t, fsys, "/wow/Data/readme.txt", []byte("hello"))
	return fsys
}

func TestInstall_Load(t *testing.T) {
	var steps []string
	inst := install.New(sampleInstall(t), "/wow",
		install.WithLogger(discard),
		install.WithProgress(func(step string) { steps = append(steps, step) }),
	)
	if err := inst.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	t.Cleanup(func() { inst.Close() })

	wantSteps := []string{install.StepScanning, install.StepLoading, install.StepLoaded}
	if !slices.Equal(steps, wantSteps) {
		t.Errorf("progress steps = %v, want %v", steps, wantSteps)
	}

	wantArchives := []string{`Data\common.MPQ`, `Data\enUS\locale-enUS.MPQ`, `Data\patch.mpq`}
	if got := inst.ArchiveNames(); !slices.Equal(got, wantArchives) {
		t.Errorf("ArchiveNames() = %v, want %v", got, wantArchives)
	}
	if got := inst.ArchiveCount(); got != 3 {
		t.Errorf("ArchiveCount() = %d, want 3", got)
	}
	if got := inst.FileCount(); got != 3 {
		t.Errorf("FileCount() = %d, want 3", got)
	}
	if got := inst.BuildID(); got != install.DefaultBuild {
		t.Errorf("BuildID() = %q, want %q", got, install.DefaultBuild)
	}

	wantAll := []string{
		`Data\common.MPQ\DBFilesClient\Spell.dbc`,
		`Data\patch.mpq\interface\X.TXT`,
		`Data\enUS\locale-enUS.MPQ\Sound\hello.wav`,
	}
	if got := inst.GetAllFiles(); !slices.Equal(got, wantAll) {
		t.Errorf("GetAllFiles() = %v, want %v", got, wantAll)
	}
}

func TestInstall_GetFile(t *testing.T) {
	inst := install.New(sampleInstall(t), "/wow", install.WithLogger(discard))
	if err := inst.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	t.Cleanup(func() { inst.Close() })

	tests := []struct {
		name  string
		input string
		want  []byte
	}{
		{name: "later archive wins", input: `Interface\x.txt`, want: []byte("patched")},
		{name: "case-insensitive", input: `INTERFACE\X.txt`, want: []byte("patched")},
		{name: "forward slashes", input: "interface/x.txt", want: []byte("patched")},
		{name: "display path", input: `Data\patch.mpq\interface\X.TXT`, want: []byte("patched")},
		{name: "stale display path", input: `Data\common.MPQ\Interface\x.txt`, want: []byte("patched")},
		{name: "encrypted file", input: `DBFilesClient\Spell.dbc`, want: []byte("spell")},
		{name: "nested archive", input: `sound\hello.wav`, want: []byte("wav")},
		{name: "missing", input: `Interface\y.txt`, want: nil},
		{name: "empty", input: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := inst.GetFile(tt.input)
			if err != nil {
				t.Fatalf("GetFile() unexpected error: %v", err)
			}
			if string(got) != string(tt.want) || (got == nil) != (tt.want == nil) {
				t.Errorf("GetFile(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if has := inst.HasFile(tt.input); has != (tt.want != nil) {
				t.Errorf("HasFile(%q) = %v", tt.input, has)
			}
		})
	}
}

func TestInstall_Resolve(t *testing.T) {
	inst := install.New(sampleInstall(t), "/wow", install.WithLogger(discard))
	if err := inst.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	t.Cleanup(func() { inst.Close() })

	if got, ok := inst.Resolve(`Data\common.MPQ\Interface\x.txt`); !ok || got != `interface\X.TXT` {
		t.Errorf("Resolve() = %q, %v, want the patch archive's name", got, ok)
	}
	if _, ok := inst.Resolve("missing.txt"); ok {
		t.Error("Resolve(missing) reported a file")
	}
}

func TestInstall_Listing(t *testing.T) {
	inst := install.New(sampleInstall(t), "/wow", install.WithLogger(discard))
	if err := inst.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	t.Cleanup(func() { inst.Close() })

	byExt := []struct {
		ext  string
		want []string
	}{
		{ext: "DBC", want: []string{`Data\common.MPQ\DBFilesClient\Spell.dbc`}},
		{ext: ".txt", want: []string{`Data\patch.mpq\interface\X.TXT`}},
		{ext: "blp", want: nil},
	}
	for _, tt := range byExt {
		t.Run("ext "+tt.ext, func(t *testing.T) {
			if got := inst.GetFilesByExtension(tt.ext); !slices.Equal(got, tt.want) {
				t.Errorf("GetFilesByExtension(%q) = %v, want %v", tt.ext, got, tt.want)
			}
		})
	}

	globs := []struct {
		pattern string
		want    []string
		wantErr bool
	}{
		{pattern: `interface\*`, want: []string{`Data\patch.mpq\interface\X.TXT`}},
		{pattern: "**/*.WAV", want: []string{`Data\enUS\locale-enUS.MPQ\Sound\hello.wav`}},
		{pattern: "*", want: nil},
		{pattern: "[", wantErr: true},
	}
	for _, tt := range globs {
		t.Run("glob "+tt.pattern, func(t *testing.T) {
			got, err := inst.Glob(tt.pattern)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Glob() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Glob() unexpected error: %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Glob(%q) = %v, want %v", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestInstall_Load_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, fsys afero.Fs)
	}{
		{
			name:  "empty directory",
			setup: func(t *testing.T, fsys afero.Fs) { fsys.MkdirAll("/wow", 0o755) },
		},
		{
			name: "no archives",
			setup: func(t *testing.T, fsys afero.Fs) {
				writeFile(t, fsys, "/wow/Data/readme.txt", []byte("hello"))
			},
		},
		{
			name: "only unreadable archives",
			setup: func(t *testing.T, fsys afero.Fs) {
				writeFile(t, fsys, "/wow/Data/broken.mpq", []byte("not an archive"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			tt.setup(t, fsys)

			err := install.New(fsys, "/wow", install.WithLogger(discard)).Load()
			if !errors.Is(err, install.ErrNoArchives) {
				t.Errorf("Load() error = %v, want ErrNoArchives", err)
			}
		})
	}

	t.Run("missing directory", func(t *testing.T) {
		err := install.New(afero.NewMemMapFs(), "/nope", install.WithLogger(discard)).Load()
		if err == nil || errors.Is(err, install.ErrNoArchives) {
			t.Errorf("Load() error = %v, want a scan error", err)
		}
	})
}

func TestInstall_Load_CorruptListfile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeArchive(t, fsys, "/wow/Data/common.MPQ",
		mpqtest.File{Name: `Interface\x.txt`, Data: []byte("base")},
	)

	b := &mpqtest.Builder{Files: []mpqtest.File{
		{Name: `Interface\y.txt`, Data: []byte("y")},
		{Name: mpq.ListfileName, Data: []byte("Interface\\y.txt\r\n"), Flags: mpq.FlagCompress, Codec: mpqtest.ZlibSector, Size: 0xFFFFFFFF},
	}}
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	writeFile(t, fsys, "/wow/Data/patch.MPQ", data)

	inst := install.New(fsys, "/wow", install.WithLogger(discard))
	if err := inst.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	t.Cleanup(func() { inst.Close() })

	if got := inst.ArchiveCount(); got != 2 {
		t.Errorf("ArchiveCount() = %d, want 2", got)
	}
	if got := inst.GetAllFiles(); !slices.Equal(got, []string{`Data\common.MPQ\Interface\x.txt`}) {
		t.Errorf("GetAllFiles() = %v", got)
	}
}

func TestInstall_Cache(t *testing.T) {
	inst := install.New(sampleInstall(t), "/wow",
		install.WithLogger(discard),
		install.WithCacheEntries(8),
	)
	if err := inst.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	t.Cleanup(func() { inst.Close() })

	for range 3 {
		got, err := inst.GetFile(`Interface\x.txt`)
		if err != nil {
			t.Fatalf("GetFile() unexpected error: %v", err)
		}
		if string(got) != "patched" {
			t.Fatalf("GetFile() = %q, want %q", got, "patched")
		}
		// Callers own the returned slice.
		got[0] = 'X'
	}
}

// exe returns a minimal executable carrying a VS_FIXEDFILEINFO for
// the given version fields.
func exe(major, minor, build, revision uint16) []byte {
	buf := make([]byte, 0x200)
	buf[0], buf[1] = 'M', 'Z'

	off := 0x100
	copy(buf[off:], []byte{0xBD, 0x04, 0xEF, 0xFE})
	binary.LittleEndian.PutUint32(buf[off+4:], 0x00010000)
	binary.LittleEndian.PutUint32(buf[off+8:], uint32(major)<<16|uint32(minor))
	binary.LittleEndian.PutUint32(buf[off+12:], uint32(build)<<16|uint32(revision))
	return buf
}

func TestDetectBuildVersion(t *testing.T) {
	tests := []struct {
		name  string
		files map[string][]byte
		mpqs  []string
		want  string
	}{
		{
			name:  "executable in install directory",
			files: map[string][]byte{"/wow/Data/Wow.exe": exe(3, 3, 5, 12340)},
			mpqs:  []string{"/wow/Data/common.MPQ"},
			want:  "3.3.5.12340",
		},
		{
			name:  "executable in parent directory",
			files: map[string][]byte{"/wow/WoW.exe": exe(2, 4, 3, 8606)},
			mpqs:  []string{"/wow/Data/common.MPQ"},
			want:  "2.4.3.8606",
		},
		{
			name:  "not a PE file",
			files: map[string][]byte{"/wow/WoW.exe": append([]byte("ZM"), exe(3, 3, 5, 12340)[2:]...)},
			mpqs:  []string{"/wow/Data/expansion.MPQ"},
			want:  "2.4.3.8606",
		},
		{
			name: "lichking archive",
			mpqs: []string{"/wow/Data/common.MPQ", "/wow/Data/lichking.MPQ"},
			want: "3.3.5.12340",
		},
		{
			name: "expansion2 archive",
			mpqs: []string{`C:\wow\Data\Expansion2.mpq`},
			want: "3.3.5.12340",
		},
		{
			name: "expansion archive",
			mpqs: []string{"/wow/Data/common.MPQ", "/wow/Data/expansion.MPQ"},
			want: "2.4.3.8606",
		},
		{
			name: "base archives only",
			mpqs: []string{"/wow/Data/dbc.MPQ", "/wow/Data/patch.MPQ"},
			want: install.DefaultBuild,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			fsys.MkdirAll("/wow/Data", 0o755)
			for path, data := range tt.files {
				writeFile(t, fsys, path, data)
			}

			if got := install.DetectBuildVersion(fsys, "/wow/Data", tt.mpqs); got != tt.want {
				t.Errorf("DetectBuildVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseFixedFileInfo(t *testing.T) {
	full := exe(1, 12, 1, 5875)

	tests := []struct {
		name   string
		buf    []byte
		off    int
		want   string
		wantOK bool
	}{
		{name: "valid", buf: full, off: 0x100, want: "1.12.1.5875", wantOK: true},
		{name: "wrong signature", buf: full, off: 0x101},
		{name: "truncated", buf: full[:0x100+51], off: 0x100},
		{name: "negative offset", buf: full, off: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := install.ParseFixedFileInfo(tt.buf, tt.off)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseFixedFileInfo() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if got, ok := install.FindVersion(full); !ok || got != "1.12.1.5875" {
		t.Errorf("FindVersion() = %q, %v", got, ok)
	}
	if got, ok := install.FindVersion(full[:0x100+40]); ok {
		t.Errorf("FindVersion(truncated) = %q, want no version", got)
	}
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{pattern: "interface/icons/*.blp", name: `Interface\Icons\Sword.BLP`, want: true},
		{pattern: "**/*.m2", name: `Creature\Bear\Bear.M2`, want: true},
		{pattern: "*.m2", name: `Creature\Bear\Bear.M2`, want: false},
		{pattern: "world/{maps,wmo}/**", name: `World\wmo\a\b.wmo`, want: true},
		{pattern: "dbfilesclient/spell?.dbc", name: `DBFilesClient\Spell.dbc`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := install.MatchGlob(tt.pattern, tt.name)
			if err != nil {
				t.Fatalf("MatchGlob() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("MatchGlob(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
			}
		})
	}
}
