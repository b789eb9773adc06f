package testutil

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"wlm-go/internal/model"
	"wlm-go/internal/vmdk"
	"wlm-go/internal/wlm"
)

// RemoteDisks is the datastore side of the fake disk tool: the source of
// captured bytes and the destination of cloned disks.
type RemoteDisks interface {
	ReadRemoteDisk(path string) ([]byte, error)
	WriteRemoteDisk(path string, data []byte) error
}

// FakeDiskTool implements wlm.DiskTool in pure Go on local files.
//
// Disks use a split layout: a text descriptor "<name>.vmdk" and one data
// file "<name>-s001.vmdk". The data file is a log of records
// "<offset> <length>\n<bytes>"; later records win. Reading a disk replays its
// chain from the base through each parentFileNameHint, so CID mismatches and
// missing parents fail the same way a real chain open would.
type FakeDiskTool struct {
	Remote RemoteDisks

	// FailFunc, when set, is consulted before every operation. op is one of
	// create, download, copy, check, commit, clone and space. target is the
	// destination path (or the remote path for download).
	FailFunc func(op, target string) error

	// Hold, when non-nil, stalls every transfer after its first progress
	// tick until Hold is closed or the transfer is terminated.
	Hold chan struct{}

	// Started receives the destination of each transfer once it has
	// reported its first progress tick. Sends never block.
	Started chan string

	// ProgressSteps is the number of progress ticks per transfer (default 4).
	ProgressSteps int

	mu     sync.Mutex
	calls  []string
	checks map[string]int
	cid    uint32
}

var _ wlm.DiskTool = (*FakeDiskTool)(nil)

// NewFakeDiskTool returns a FakeDiskTool reading and writing remote disks
// through remote.
func NewFakeDiskTool(remote RemoteDisks) *FakeDiskTool {
	return &FakeDiskTool{
		Remote:  remote,
		Started: make(chan string, 64),
		checks:  make(map[string]int),
	}
}

// Calls returns the operations invoked so far as "op target" strings.
func (f *FakeDiskTool) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CheckCount returns how often Check ran on path.
func (f *FakeDiskTool) CheckCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks[path]
}

func (f *FakeDiskTool) Create(ctx context.Context, path string, capacity int64) error {
	if err := f.begin("create", path); err != nil {
		return err
	}
	f.mu.Lock()
	f.cid++
	cid := fmt.Sprintf("%08x", 0x1000+f.cid)
	f.mu.Unlock()

	dataName := dataFileName(path)
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), dataName), nil, 0644); err != nil {
		return fmt.Errorf("creating data file: %w", err)
	}
	return vmdk.New(cid, capacity, dataName, "twoGbMaxExtentSparse").WriteFile(path)
}

func (f *FakeDiskTool) DownloadExtents(ctx context.Context, req wlm.DownloadRequest) (wlm.Transfer, error) {
	if err := f.begin("download", req.RemotePath); err != nil {
		return nil, err
	}
	extents, err := vmdk.ReadExtents(req.ExtentFile)
	if err != nil {
		return nil, err
	}
	source, err := f.Remote.ReadRemoteDisk(req.RemotePath)
	if err != nil {
		return nil, err
	}
	if req.ParentPath != "" {
		parent, err := vmdk.ReadFile(req.ParentPath)
		if err != nil {
			return nil, fmt.Errorf("opening parent: %w", err)
		}
		d, err := vmdk.ReadFile(req.Dest)
		if err != nil {
			return nil, err
		}
		d.SetParent(req.ParentPath, parent.CID())
		if err := d.WriteFile(req.Dest); err != nil {
			return nil, err
		}
	}

	total := vmdk.TotalLength(extents)
	return f.transfer(req.Dest, total, func() error {
		records := make([]record, 0, len(extents))
		for _, e := range extents {
			records = append(records, record{offset: e.Offset, data: slice(source, e)})
		}
		return appendRecords(req.Dest, records)
	}), nil
}

// CopyExtents copies ranges of src's own data into dst.
func (f *FakeDiskTool) CopyExtents(ctx context.Context, src, dst string, extents []model.Extent) error {
	if err := f.begin("copy", dst); err != nil {
		return err
	}
	image, capacity, err := readOwn(src)
	if err != nil {
		return err
	}
	records := make([]record, 0, len(extents))
	for _, e := range extents {
		if e.End() > capacity {
			return fmt.Errorf("extent %d+%d beyond capacity %d", e.Offset, e.Length, capacity)
		}
		records = append(records, record{offset: e.Offset, data: slice(image, e)})
	}
	return appendRecords(dst, records)
}

// Check verifies that the chain ending at path opens cleanly.
func (f *FakeDiskTool) Check(ctx context.Context, path string) error {
	if err := f.begin("check", path); err != nil {
		return err
	}
	f.mu.Lock()
	f.checks[path]++
	f.mu.Unlock()
	_, _, err := Flatten(path)
	return err
}

func (f *FakeDiskTool) Commit(ctx context.Context, leaf, dest string, size int64) (wlm.Transfer, error) {
	if err := f.begin("commit", dest); err != nil {
		return nil, err
	}
	image, capacity, err := Flatten(leaf)
	if err != nil {
		return nil, err
	}
	return f.transfer(dest, size, func() error {
		if err := f.Create(ctx, dest, capacity); err != nil {
			return err
		}
		return appendRecords(dest, []record{{offset: 0, data: image}})
	}), nil
}

func (f *FakeDiskTool) Clone(ctx context.Context, req wlm.CloneRequest) (wlm.Transfer, error) {
	if err := f.begin("clone", req.RemotePath); err != nil {
		return nil, err
	}
	image, _, err := Flatten(req.Source)
	if err != nil {
		return nil, err
	}
	return f.transfer(req.RemotePath, req.Size, func() error {
		return f.Remote.WriteRemoteDisk(req.RemotePath, image)
	}), nil
}

func (f *FakeDiskTool) SpaceForClone(ctx context.Context, path string) (int64, error) {
	if err := f.begin("space", path); err != nil {
		return 0, err
	}
	d, err := vmdk.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return d.Capacity(), nil
}

func (f *FakeDiskTool) begin(op, target string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op+" "+target)
	fail := f.FailFunc
	f.mu.Unlock()
	if fail != nil {
		if err := fail(op, target); err != nil {
			return &wlm.ProcessError{
				Command:  "fake-disk-tool -" + op + " " + target,
				ExitCode: 1,
				Stderr:   err.Error(),
				Err:      err,
			}
		}
	}
	return nil
}

// Flatten reads the disk at path through its whole chain and returns the
// resulting image and its capacity.
func Flatten(path string) ([]byte, int64, error) {
	var chain []string
	seen := map[string]bool{}
	cur := path
	for {
		abs, err := filepath.Abs(cur)
		if err != nil {
			return nil, 0, err
		}
		if seen[abs] {
			return nil, 0, fmt.Errorf("descriptor chain loops at %s", cur)
		}
		seen[abs] = true
		chain = append(chain, cur)

		d, err := vmdk.ReadFile(cur)
		if err != nil {
			return nil, 0, err
		}
		if !d.HasParent() {
			break
		}
		next := d.ParentFileNameHint()
		if !filepath.IsAbs(next) {
			next = filepath.Join(filepath.Dir(cur), next)
		}
		parent, err := vmdk.ReadFile(next)
		if err != nil {
			return nil, 0, fmt.Errorf("opening parent of %s: %w", cur, err)
		}
		if parent.CID() != d.ParentCID() {
			return nil, 0, fmt.Errorf("parent CID mismatch for %s: parent has %s, child expects %s", cur, parent.CID(), d.ParentCID())
		}
		cur = next
	}

	base, err := vmdk.ReadFile(chain[len(chain)-1])
	if err != nil {
		return nil, 0, err
	}
	capacity := base.Capacity()
	image := make([]byte, capacity)
	for i := len(chain) - 1; i >= 0; i-- {
		if err := replay(chain[i], image); err != nil {
			return nil, 0, err
		}
	}
	return image, capacity, nil
}

// readOwn returns only the bytes stored in path's own data file.
func readOwn(path string) ([]byte, int64, error) {
	d, err := vmdk.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	image := make([]byte, d.Capacity())
	if err := replay(path, image); err != nil {
		return nil, 0, err
	}
	return image, d.Capacity(), nil
}

type record struct {
	offset int64
	data   []byte
}

func replay(descPath string, image []byte) error {
	d, err := vmdk.ReadFile(descPath)
	if err != nil {
		return err
	}
	for _, e := range d.Extents() {
		f, err := os.Open(filepath.Join(filepath.Dir(descPath), e.File))
		if err != nil {
			return fmt.Errorf("opening extent file: %w", err)
		}
		err = readRecords(f, func(r record) error {
			if r.offset+int64(len(r.data)) > int64(len(image)) {
				return fmt.Errorf("record %d+%d beyond capacity", r.offset, len(r.data))
			}
			copy(image[r.offset:], r.data)
			return nil
		})
		f.Close()
		if err != nil {
			return fmt.Errorf("reading %s: %w", e.File, err)
		}
	}
	return nil
}

func readRecords(r io.Reader, fn func(record) error) error {
	br := bufio.NewReader(r)
	for {
		header, err := br.ReadString('\n')
		if errors.Is(err, io.EOF) && header == "" {
			return nil
		}
		if err != nil {
			return err
		}
		var off, n int64
		if _, err := fmt.Sscanf(strings.TrimSpace(header), "%d %d", &off, &n); err != nil {
			return fmt.Errorf("bad record header %q", header)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			return err
		}
		if err := fn(record{offset: off, data: data}); err != nil {
			return err
		}
	}
}

func appendRecords(descPath string, records []record) error {
	d, err := vmdk.ReadFile(descPath)
	if err != nil {
		return err
	}
	extents := d.Extents()
	if len(extents) == 0 {
		return fmt.Errorf("%s has no extent file", descPath)
	}
	f, err := os.OpenFile(filepath.Join(filepath.Dir(descPath), extents[0].File), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("opening extent file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, r := range records {
		fmt.Fprintf(w, "%d %d\n", r.offset, len(r.data))
		w.Write(r.data)
	}
	return w.Flush()
}

func slice(image []byte, e model.Extent) []byte {
	out := make([]byte, e.Length)
	if e.Offset < int64(len(image)) {
		copy(out, image[e.Offset:min(e.End(), int64(len(image)))])
	}
	return out
}

func dataFileName(descPath string) string {
	return strings.TrimSuffix(filepath.Base(descPath), ".vmdk") + "-s001.vmdk"
}

// fakeTransfer reports progress in steps and runs work at the end.
type fakeTransfer struct {
	progress  chan int64
	terminate chan struct{}
	once      sync.Once
	done      chan struct{}
	err       error
}

func (f *FakeDiskTool) transfer(dest string, total int64, work func() error) *fakeTransfer {
	steps := f.ProgressSteps
	if steps <= 0 {
		steps = 4
	}
	t := &fakeTransfer{
		progress:  make(chan int64, steps+1),
		terminate: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer close(t.progress)
		for i := 1; i <= steps; i++ {
			select {
			case <-t.terminate:
				t.err = terminated(dest)
				return
			case t.progress <- total * int64(i) / int64(steps):
			}
			if i == 1 {
				select {
				case f.Started <- dest:
				default:
				}
				if f.Hold != nil {
					select {
					case <-f.Hold:
					case <-t.terminate:
						t.err = terminated(dest)
						return
					}
				}
			}
		}
		if err := work(); err != nil {
			t.err = &wlm.ProcessError{Command: "fake-disk-tool " + dest, ExitCode: 1, Stderr: err.Error(), Err: err}
		}
	}()
	return t
}

func terminated(dest string) error {
	return &wlm.ProcessError{Command: "fake-disk-tool " + dest, ExitCode: 143, Stderr: "terminated"}
}

func (t *fakeTransfer) Progress() <-chan int64 { return t.progress }

func (t *fakeTransfer) Terminate() error {
	t.once.Do(func() { close(t.terminate) })
	return nil
}

func (t *fakeTransfer) Wait() error {
	<-t.done
	return t.err
}
