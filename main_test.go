package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ossyrian/mpqkit/internal/mpq"
	"github.com/ossyrian/mpqkit/internal/mpqtest"
)

func TestOutputPath(t *testing.T) {
	tests := []struct {
		name string
		dir  string
		file string
		want string
	}{
		{name: "backslashes", dir: "out", file: `Interface\Icons\Sword.blp`, want: filepath.Join("out", "Interface", "Icons", "Sword.blp")},
		{name: "forward slashes", dir: "out", file: "DBFilesClient/Spell.dbc", want: filepath.Join("out", "DBFilesClient", "Spell.dbc")},
		{name: "parent references", dir: "out", file: `..\..\etc\passwd`, want: filepath.Join("out", "etc", "passwd")},
		{name: "pseudo file", dir: "out", file: "(listfile)", want: filepath.Join("out", "(listfile)")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outputPath(tt.dir, tt.file); got != tt.want {
				t.Errorf("outputPath(%q, %q) = %q, want %q", tt.dir, tt.file, got, tt.want)
			}
		})
	}
}

func writeTestArchive(t *testing.T) string {
	t.Helper()

	b := &mpqtest.Builder{Listfile: true, Files: []mpqtest.File{
		{Name: `Interface\readme.txt`, Data: []byte("hello")},
		{Name: `DBFilesClient\Spell.dbc`, Data: bytes.Repeat([]byte("WDBC"), 300), Flags: mpq.FlagCompress | mpq.FlagEncrypted, Codec: mpqtest.ZlibSector},
	}}
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.mpq")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) string {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("mpqkit %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestListCommand(t *testing.T) {
	path := writeTestArchive(t)

	got := run(t, "list", "--log-level", "error", path)
	want := "Interface\\readme.txt\nDBFilesClient\\Spell.dbc\n"
	if got != want {
		t.Errorf("list output = %q, want %q", got, want)
	}
}

func TestExtractCommand(t *testing.T) {
	path := writeTestArchive(t)
	dir := t.TempDir()

	run(t, "extract", "--log-level", "error", "-o", dir, path, `DBFilesClient\Spell.dbc`, `Interface\readme.txt`)

	got, err := os.ReadFile(filepath.Join(dir, "DBFilesClient", "Spell.dbc"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte("WDBC"), 300)) {
		t.Errorf("extracted %d bytes, want %d", len(got), 1200)
	}

	got, err = os.ReadFile(filepath.Join(dir, "Interface", "readme.txt"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("extracted %q, want %q", got, "hello")
	}
}
