// Package vmdk reads and rewrites virtual disk descriptor files and the
// change-tracking sidecar lists stored next to them.
package vmdk

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SectorSize is the unit of extent lines in a descriptor.
const SectorSize = 512

// NoParentCID is the parentCID of a disk without a parent.
const NoParentCID = "ffffffff"

const (
	keyCID        = "CID"
	keyParentCID  = "parentCID"
	keyParentHint = "parentFileNameHint"
	keyCreateType = "createType"
)

// ExtentLine is one "RW <sectors> <type> "<file>" [offset]" line.
type ExtentLine struct {
	Access  string
	Sectors int64
	Type    string
	File    string
	Offset  int64
}

func (e ExtentLine) String() string {
	s := fmt.Sprintf("%s %d %s %q", e.Access, e.Sectors, e.Type, e.File)
	if e.Offset > 0 {
		s += " " + strconv.FormatInt(e.Offset, 10)
	}
	return s
}

// Descriptor is a parsed descriptor. Lines it does not understand are kept
// verbatim so rewriting never drops disk database entries.
type Descriptor struct {
	lines []string
}

// New returns a descriptor for a single-extent disk. An empty parentCID means
// the disk has no parent.
func New(cid string, capacity int64, dataFile, createType string) *Descriptor {
	lines := []string{
		"# Disk DescriptorFile",
		"version=1",
		`encoding="UTF-8"`,
		keyCID + "=" + cid,
		keyParentCID + "=" + NoParentCID,
		keyCreateType + "=" + strconv.Quote(createType),
		"",
		"# Extent description",
		ExtentLine{Access: "RW", Sectors: (capacity + SectorSize - 1) / SectorSize, Type: "SPARSE", File: dataFile}.String(),
		"",
		"# The Disk Data Base",
		"#DDB",
		"",
	}
	return &Descriptor{lines: lines}
}

// Parse reads a descriptor.
func Parse(r io.Reader) (*Descriptor, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}
	d := &Descriptor{lines: lines}
	if _, ok := d.get(keyCID); !ok {
		return nil, fmt.Errorf("descriptor has no %s", keyCID)
	}
	return d, nil
}

// ReadFile parses the descriptor at path.
func ReadFile(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening descriptor: %w", err)
	}
	defer f.Close()

	d, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return d, nil
}

// CID returns the content identifier.
func (d *Descriptor) CID() string {
	v, _ := d.get(keyCID)
	return v
}

// ParentCID returns the content identifier the disk expects of its parent.
func (d *Descriptor) ParentCID() string {
	v, ok := d.get(keyParentCID)
	if !ok {
		return NoParentCID
	}
	return v
}

// ParentFileNameHint returns the path of the parent descriptor, if any.
func (d *Descriptor) ParentFileNameHint() string {
	v, _ := d.get(keyParentHint)
	return v
}

// HasParent reports whether the descriptor is chained onto a parent.
func (d *Descriptor) HasParent() bool {
	return d.ParentCID() != NoParentCID || d.ParentFileNameHint() != ""
}

func (d *Descriptor) SetCID(cid string) { d.set(keyCID, cid, false) }

// SetParent points the descriptor at a parent descriptor path and content
// identifier.
func (d *Descriptor) SetParent(path, parentCID string) {
	d.set(keyParentCID, parentCID, false)
	d.set(keyParentHint, path, true)
}

// ClearParent turns the descriptor into a base disk.
func (d *Descriptor) ClearParent() {
	d.set(keyParentCID, NoParentCID, false)
	d.remove(keyParentHint)
}

// Extents returns the extent lines in order.
func (d *Descriptor) Extents() []ExtentLine {
	var out []ExtentLine
	for _, l := range d.lines {
		if e, ok := parseExtent(l); ok {
			out = append(out, e)
		}
	}
	return out
}

// RenameExtentFiles rewrites each extent's file name through fn.
func (d *Descriptor) RenameExtentFiles(fn func(string) string) {
	for i, l := range d.lines {
		if e, ok := parseExtent(l); ok {
			e.File = fn(e.File)
			d.lines[i] = e.String()
		}
	}
}

// Capacity returns the disk size in bytes described by the extent lines.
func (d *Descriptor) Capacity() int64 {
	var sectors int64
	for _, e := range d.Extents() {
		sectors += e.Sectors
	}
	return sectors * SectorSize
}

// WriteTo writes the descriptor text to w.
func (d *Descriptor) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	for _, l := range d.lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return buf.WriteTo(w)
}

// WriteFile atomically replaces the descriptor at path.
func (d *Descriptor) WriteFile(path string) error {
	var buf bytes.Buffer
	if _, err := d.WriteTo(&buf); err != nil {
		return err
	}
	return writeAtomic(path, buf.Bytes())
}

func (d *Descriptor) get(key string) (string, bool) {
	for _, l := range d.lines {
		k, v, ok := splitKV(l)
		if ok && k == key {
			return v, true
		}
	}
	return "", false
}

// set replaces key's value, or inserts it after the last header key.
func (d *Descriptor) set(key, value string, quote bool) {
	if quote {
		value = strconv.Quote(value)
	}
	line := key + "=" + value
	insertAt := -1
	for i, l := range d.lines {
		k, _, ok := splitKV(l)
		if !ok {
			if strings.HasPrefix(strings.TrimSpace(l), "# Extent") {
				break
			}
			continue
		}
		if k == key {
			d.lines[i] = line
			return
		}
		if !strings.HasPrefix(k, "ddb.") {
			insertAt = i + 1
		}
	}
	if insertAt < 0 {
		insertAt = len(d.lines)
	}
	d.lines = append(d.lines[:insertAt], append([]string{line}, d.lines[insertAt:]...)...)
}

func (d *Descriptor) remove(key string) {
	out := d.lines[:0]
	for _, l := range d.lines {
		if k, _, ok := splitKV(l); ok && k == key {
			continue
		}
		out = append(out, l)
	}
	d.lines = out
}

func splitKV(line string) (string, string, bool) {
	l := strings.TrimSpace(line)
	if l == "" || strings.HasPrefix(l, "#") {
		return "", "", false
	}
	k, v, ok := strings.Cut(l, "=")
	if !ok {
		return "", "", false
	}
	k = strings.TrimSpace(k)
	v = strings.TrimSpace(v)
	if uq, err := strconv.Unquote(v); err == nil {
		v = uq
	}
	return k, v, true
}

func parseExtent(line string) (ExtentLine, bool) {
	f := strings.Fields(line)
	if len(f) < 4 {
		return ExtentLine{}, false
	}
	switch f[0] {
	case "RW", "RDONLY", "NOACCESS":
	default:
		return ExtentLine{}, false
	}
	sectors, err := strconv.ParseInt(f[1], 10, 64)
	if err != nil {
		return ExtentLine{}, false
	}
	// The file name is quoted and may contain spaces.
	start := strings.IndexByte(line, '"')
	end := strings.LastIndexByte(line, '"')
	if start < 0 || end <= start {
		return ExtentLine{}, false
	}
	e := ExtentLine{Access: f[0], Sectors: sectors, Type: f[2], File: line[start+1 : end]}
	if rest := strings.TrimSpace(line[end+1:]); rest != "" {
		if off, err := strconv.ParseInt(rest, 10, 64); err == nil {
			e.Offset = off
		}
	}
	return e, true
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
