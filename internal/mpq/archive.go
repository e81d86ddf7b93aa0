// Package mpq reads Blizzard MPQ archives.
//
// An archive stores files by the hash of their names in an encrypted hash
// table; a second encrypted table describes where each file's bytes live
// and how they were encoded. Files may be split into sectors that are
// compressed and encrypted independently. Names are recovered from the
// optional (listfile) entry.
package mpq

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"golang.org/x/exp/mmap"
)

var (
	// ErrInvalidSignature indicates that no header magic was found at
	// any candidate offset.
	ErrInvalidSignature = errors.New("mpq: signature not found")
	// ErrUnsupportedVersion is returned for header format versions above 1.
	ErrUnsupportedVersion = errors.New("mpq: unsupported format version")
	// ErrUnsupportedCompression is returned for sectors that need a codec
	// this package does not provide.
	ErrUnsupportedCompression = errors.New("mpq: unsupported compression")
	// ErrCorrupt indicates sizes or offsets that do not fit the archive.
	ErrCorrupt = errors.New("mpq: corrupt archive")
	// ErrUnknownKey is returned for an encrypted file whose key can be
	// neither derived from its name nor recovered from its sector table.
	ErrUnknownKey = errors.New("mpq: encryption key unknown")
	// ErrClosed is returned by reads on a closed archive.
	ErrClosed = errors.New("mpq: archive closed")
)

// Archive is an open MPQ archive. Its tables are read and decrypted once
// when it is opened. Reads are serialized, so an Archive may be shared
// between goroutines.
type Archive struct {
	mu     sync.Mutex
	r      io.ReaderAt
	size   int64
	closer io.Closer
	closed bool

	name   string
	logger *slog.Logger
	keys   *Keys

	locale       uint16
	preferLocale bool

	header     Header
	userData   *UserDataHeader
	hashTable  []HashEntry
	blockTable []BlockEntry
	files      []string
}

// Open opens the archive at path.
func Open(path string, opts ...Option) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	opts = append([]Option{WithName(path)}, opts...)
	a, err := New(f, fi.Size(), append(opts, WithCloser(f))...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

// OpenMapped opens the archive at path through a read-only memory map.
func OpenMapped(path string, opts ...Option) (*Archive, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to map archive: %w", err)
	}

	opts = append([]Option{WithName(path)}, opts...)
	a, err := New(m, int64(m.Len()), append(opts, WithCloser(m))...)
	if err != nil {
		m.Close()
		return nil, err
	}
	return a, nil
}

// New reads an archive of the given size from r. The caller keeps
// ownership of r unless WithCloser is supplied.
func New(r io.ReaderAt, size int64, opts ...Option) (*Archive, error) {
	a := &Archive{
		r:      r,
		size:   size,
		logger: slog.Default(),
		keys:   DefaultKeys(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.name != "" {
		a.logger = a.logger.With("archive", a.name)
	}

	if err := a.readHeader(); err != nil {
		return nil, err
	}
	if err := a.readTables(); err != nil {
		return nil, err
	}
	a.loadListfile()

	a.logger.Debug("opened archive",
		"format_version", a.header.FormatVersion,
		"header_offset", a.header.Offset,
		"sector_size", a.header.SectorSize(),
		"hash_entries", len(a.hashTable),
		"block_entries", len(a.blockTable),
		"files", len(a.files),
	)

	return a, nil
}

// Name returns the name the archive was opened with.
func (a *Archive) Name() string {
	return a.name
}

// Close releases the underlying reader if the archive owns it.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// readAt reads exactly n bytes at absolute offset off.
func (a *Archive) readAt(off int64, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > a.size {
		return nil, fmt.Errorf("%w: read of %d bytes at %d exceeds archive size %d", ErrCorrupt, n, off, a.size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	buf := make([]byte, n)
	read, err := a.r.ReadAt(buf, off)
	if int64(read) == n {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("failed to read %d bytes at %d: %w", n, off, err)
}

// readHeader probes the candidate offsets for a header, following a user
// data header when one is found first.
func (a *Archive) readHeader() error {
	for _, off := range HeaderOffsets {
		if off+4 > a.size {
			break
		}
		b, err := a.readAt(off, 4)
		if err != nil {
			return fmt.Errorf("failed to read magic: %w", err)
		}

		switch [4]byte(b) {
		case Magic:
			return a.readArchiveHeader(off)
		case UserDataMagic:
			ud, err := a.readUserData(off)
			if err != nil {
				return err
			}
			a.userData = ud
			return a.readArchiveHeader(off + int64(ud.HeaderOffset))
		}
	}
	return ErrInvalidSignature
}

func (a *Archive) readUserData(off int64) (*UserDataHeader, error) {
	b, err := a.readAt(off, UserDataHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read user data header: %w", err)
	}

	c := newCursor(b)
	ud := &UserDataHeader{
		Magic:          c.magic(),
		UserDataSize:   c.u32(),
		HeaderOffset:   c.u32(),
		UserHeaderSize: c.u32(),
		Offset:         off,
	}

	if ud.UserHeaderSize > 0 {
		ud.Content, err = a.readAt(off+UserDataHeaderSize, int64(ud.UserHeaderSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read user data content: %w", err)
		}
	}

	a.logger.Debug("found user data header",
		"offset", off,
		"user_data_size", ud.UserDataSize,
		"header_offset", ud.HeaderOffset,
	)
	return ud, nil
}

func (a *Archive) readArchiveHeader(off int64) error {
	if off+HeaderSizeV0 > a.size {
		return fmt.Errorf("%w: user data points past the end of the file", ErrInvalidSignature)
	}
	b, err := a.readAt(off, HeaderSizeV0)
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}

	c := newCursor(b)
	h := Header{
		Magic:             c.magic(),
		HeaderSize:        c.u32(),
		ArchiveSize:       c.u32(),
		FormatVersion:     c.u16(),
		SectorSizeShift:   c.u16(),
		HashTableOffset:   c.u32(),
		BlockTableOffset:  c.u32(),
		HashTableEntries:  c.u32(),
		BlockTableEntries: c.u32(),
		Offset:            off,
	}
	if h.Magic != Magic {
		return fmt.Errorf("%w: invalid magic %q at %d", ErrInvalidSignature, h.Magic, off)
	}

	switch h.FormatVersion {
	case 0:
	case 1:
		ext, err := a.readAt(off+HeaderSizeV0, HeaderSizeV1-HeaderSizeV0)
		if err != nil {
			return fmt.Errorf("failed to read extended header: %w", err)
		}
		c := newCursor(ext)
		h.HiBlockTableOffset = c.u64()
		h.HashTableOffsetHigh = c.u16()
		h.BlockTableOffsetHigh = c.u16()
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.FormatVersion)
	}

	if h.SectorSizeShift > MaxSectorSizeShift {
		return fmt.Errorf("%w: sector size shift %d", ErrCorrupt, h.SectorSizeShift)
	}

	a.header = h
	return nil
}

// readTable reads and decrypts a table of n entries at pos.
func (a *Archive) readTable(pos int64, n uint32, key string) ([]byte, error) {
	b, err := a.readAt(pos, int64(n)*16)
	if err != nil {
		return nil, err
	}
	a.keys.Decrypt(b, a.keys.Hash(key, HashFileKey))
	return b, nil
}

func (a *Archive) readTables() error {
	h := &a.header

	b, err := a.readTable(h.hashTablePos(), h.HashTableEntries, hashTableName)
	if err != nil {
		return fmt.Errorf("failed to read hash table: %w", err)
	}
	a.hashTable = make([]HashEntry, h.HashTableEntries)
	c := newCursor(b)
	for i := range a.hashTable {
		a.hashTable[i] = HashEntry{
			HashA:      c.u32(),
			HashB:      c.u32(),
			Locale:     c.u16(),
			Platform:   c.u16(),
			BlockIndex: c.u32(),
		}
	}

	b, err = a.readTable(h.blockTablePos(), h.BlockTableEntries, blockTableName)
	if err != nil {
		return fmt.Errorf("failed to read block table: %w", err)
	}
	a.blockTable = make([]BlockEntry, h.BlockTableEntries)
	c = newCursor(b)
	for i := range a.blockTable {
		a.blockTable[i] = BlockEntry{
			Offset:       c.u32(),
			ArchivedSize: c.u32(),
			Size:         c.u32(),
			Flags:        c.u32(),
		}
	}

	if h.HiBlockTableOffset != 0 && h.BlockTableEntries > 0 {
		hi, err := a.readAt(h.Offset+int64(h.HiBlockTableOffset), int64(h.BlockTableEntries)*2)
		if err != nil {
			return fmt.Errorf("failed to read extended block table: %w", err)
		}
		c := newCursor(hi)
		for i := range a.blockTable {
			a.blockTable[i].OffsetHigh = c.u16()
		}
	}

	return nil
}

// loadListfile reads the names stored in (listfile). A missing or
// unreadable listfile leaves the archive addressable by known names only.
func (a *Archive) loadListfile() {
	data, err := a.ExtractFile(ListfileName)
	if err != nil {
		a.logger.Debug("failed to read listfile", "error", err)
		return
	}
	if data == nil {
		return
	}
	a.files = parseListfile(data)
}

func parseListfile(data []byte) []string {
	var names []string
	for _, line := range bytes.FieldsFunc(data, func(r rune) bool { return r == '\r' || r == '\n' }) {
		if name := strings.TrimSpace(string(line)); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// findEntry returns the index of the block holding name, or -1.
func (a *Archive) findEntry(name string) int {
	n := uint32(len(a.hashTable))
	if n == 0 {
		return -1
	}

	start := a.keys.Hash(name, HashTableOffset) % n
	hashA := a.keys.Hash(name, HashNameA)
	hashB := a.keys.Hash(name, HashNameB)

	found, neutral := -1, -1
	for i := uint32(0); i < n; i++ {
		e := a.hashTable[(start+i)%n]
		if e.BlockIndex == HashEntryEmpty {
			break
		}
		if e.BlockIndex == HashEntryDeleted || e.HashA != hashA || e.HashB != hashB {
			continue
		}
		if e.BlockIndex >= uint32(len(a.blockTable)) {
			continue
		}

		idx := int(e.BlockIndex)
		if !a.preferLocale || e.Locale == a.locale {
			return idx
		}
		if e.Locale == localeNeutral && neutral < 0 {
			neutral = idx
		}
		if found < 0 {
			found = idx
		}
	}

	if neutral >= 0 {
		return neutral
	}
	return found
}

// HasFile reports whether name resolves to an existing file.
func (a *Archive) HasFile(name string) bool {
	idx := a.findEntry(name)
	return idx >= 0 && a.blockTable[idx].Exists()
}

// ExtractFile returns the contents of name. It returns nil and no error
// when the archive has no such file.
func (a *Archive) ExtractFile(name string) ([]byte, error) {
	idx := a.findEntry(name)
	if idx < 0 {
		return nil, nil
	}

	data, err := a.extract(idx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", name, err)
	}
	return data, nil
}

// ExtractBlock returns the contents of the file stored in block index.
// Without a name the key of an encrypted file can only be recovered from
// its sector table. It returns nil and no error for an out of range index
// or a block that holds no file.
func (a *Archive) ExtractBlock(index int) ([]byte, error) {
	if index < 0 || index >= len(a.blockTable) {
		return nil, nil
	}

	data, err := a.extract(index, "")
	if err != nil {
		return nil, fmt.Errorf("failed to extract block %d: %w", index, err)
	}
	return data, nil
}

// GetAllFiles returns the listfile names that resolve to existing files.
func (a *Archive) GetAllFiles() []string {
	names := make([]string, 0, len(a.files))
	for _, name := range a.files {
		if a.HasFile(name) {
			names = append(names, name)
		}
	}
	return names
}

// GetFilesByExtension returns the names from GetAllFiles ending in ext,
// compared case-insensitively. The leading dot is optional.
func (a *Archive) GetFilesByExtension(ext string) []string {
	suffix := normalizeExt(ext)

	var names []string
	for _, name := range a.GetAllFiles() {
		if strings.HasSuffix(strings.ToLower(name), suffix) {
			names = append(names, name)
		}
	}
	return names
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// ListfileNames returns every name in the listfile, including names that
// do not resolve in this archive.
func (a *Archive) ListfileNames() []string {
	return slices.Clone(a.files)
}

// Info summarizes the archive.
func (a *Archive) Info() Info {
	return Info{
		FormatVersion:     a.header.FormatVersion,
		ArchiveSize:       a.header.ArchiveSize,
		FileCount:         len(a.files),
		HashTableEntries:  a.header.HashTableEntries,
		BlockTableEntries: a.header.BlockTableEntries,
	}
}

// Header returns the parsed archive header.
func (a *Archive) Header() Header {
	return a.header
}

// UserData returns the user data header, or nil if the archive has none.
func (a *Archive) UserData() *UserDataHeader {
	return a.userData
}

// HashTable returns a copy of the decrypted hash table.
func (a *Archive) HashTable() []HashEntry {
	return slices.Clone(a.hashTable)
}

// BlockTable returns a copy of the decrypted block table.
func (a *Archive) BlockTable() []BlockEntry {
	return slices.Clone(a.blockTable)
}
