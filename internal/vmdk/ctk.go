package vmdk

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"wlm-go/internal/model"
)

// CTKSuffix is appended to a descriptor path to name its extent list.
const CTKSuffix = "-ctk"

// CTKPath returns the extent list path for the descriptor at path.
func CTKPath(path string) string { return path + CTKSuffix }

// ParseExtents reads "start,length" lines. Blank lines are skipped.
func ParseExtents(r io.Reader) ([]model.Extent, error) {
	var out []model.Extent
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s, l, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("line %d: expected start,length: %q", n, line)
		}
		start, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad start: %w", n, err)
		}
		length, err := strconv.ParseInt(strings.TrimSpace(l), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad length: %w", n, err)
		}
		if start < 0 || length < 0 {
			return nil, fmt.Errorf("line %d: negative extent %d,%d", n, start, length)
		}
		out = append(out, model.Extent{Offset: start, Length: length})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading extent list: %w", err)
	}
	return out, nil
}

// ReadExtents reads the extent list at path. A missing file is an empty list.
func ReadExtents(path string) ([]model.Extent, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening extent list: %w", err)
	}
	defer f.Close()
	return ParseExtents(f)
}

// WriteExtents atomically writes the extent list at path.
func WriteExtents(path string, extents []model.Extent) error {
	var buf bytes.Buffer
	for _, e := range extents {
		fmt.Fprintf(&buf, "%d,%d\n", e.Offset, e.Length)
	}
	return writeAtomic(path, buf.Bytes())
}

// TotalLength sums the lengths of extents.
func TotalLength(extents []model.Extent) int64 {
	var n int64
	for _, e := range extents {
		n += e.Length
	}
	return n
}

// CheckAligned returns an error naming the first extent that does not start
// and end on a sector boundary.
func CheckAligned(extents []model.Extent) error {
	for _, e := range extents {
		if e.Offset%SectorSize != 0 || e.Length%SectorSize != 0 {
			return fmt.Errorf("extent %d+%d is not aligned to %d-byte sectors", e.Offset, e.Length, SectorSize)
		}
	}
	return nil
}

// Normalize sorts extents and merges overlapping or adjacent ranges.
func Normalize(extents []model.Extent) []model.Extent {
	sorted := make([]model.Extent, 0, len(extents))
	for _, e := range extents {
		if e.Length > 0 {
			sorted = append(sorted, e)
		}
	}
	slices.SortFunc(sorted, func(a, b model.Extent) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return 0
	})
	var out []model.Extent
	for _, e := range sorted {
		if n := len(out); n > 0 && e.Offset <= out[n-1].End() {
			if e.End() > out[n-1].End() {
				out[n-1].Length = e.End() - out[n-1].Offset
			}
			continue
		}
		out = append(out, e)
	}
	return out
}

// Union returns the normalized union of a and b.
func Union(a, b []model.Extent) []model.Extent {
	return Normalize(append(slices.Clone(a), b...))
}

// Subtract returns the parts of a not covered by b, normalized.
func Subtract(a, b []model.Extent) []model.Extent {
	a, b = Normalize(a), Normalize(b)
	var out []model.Extent
	j := 0
	for _, e := range a {
		cur := e.Offset
		end := e.End()
		for j < len(b) && b[j].End() <= cur {
			j++
		}
		for k := j; k < len(b) && b[k].Offset < end; k++ {
			if b[k].Offset > cur {
				out = append(out, model.Extent{Offset: cur, Length: b[k].Offset - cur})
			}
			if b[k].End() > cur {
				cur = b[k].End()
			}
		}
		if cur < end {
			out = append(out, model.Extent{Offset: cur, Length: end - cur})
		}
	}
	return out
}
