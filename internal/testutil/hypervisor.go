package testutil

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"wlm-go/internal/model"
	"wlm-go/internal/vmdk"
	"wlm-go/internal/wlm"
)

// FakeHypervisor implements wlm.Hypervisor in memory. Source VMs and their
// disks are created by the test; writes to a disk are tracked per
// change-tracking epoch so changed-area queries report exactly the bytes
// written since a token.
type FakeHypervisor struct {
	// ReplyWindow bounds one changed-area reply (default 64 KiB).
	ReplyWindow int64

	// EmptyReplies makes the next n changed-area queries return an empty
	// reply without advancing.
	EmptyReplies int

	// FailFunc, when set, is consulted before every operation. op is the
	// method name; target is the VM id, VM name or remote path involved.
	FailFunc func(op, target string) error

	mu         sync.Mutex
	vms        map[string]*FakeVM
	snapshots  map[string]*fakeSnapshot
	remote     map[string][]byte
	registered map[string]*FakeRestoredVM
	removed    []string
	seq        int
}

// FakeVM is a source VM.
type FakeVM struct {
	ID            string
	Name          string
	Ref           string
	Config        []byte
	ChangeTracked bool
	disks         []*FakeDisk
}

// FakeDisk is one disk of a source VM.
type FakeDisk struct {
	Key      int32
	Label    string
	StableID string
	Capacity int64
	data     []byte
	writes   []fakeWrite
	epoch    int
}

type fakeWrite struct {
	epoch  int
	extent model.Extent
}

type fakeSnapshot struct {
	ref   string
	vmID  string
	disks map[int32]fakeFrozenDisk
}

type fakeFrozenDisk struct {
	disk   *FakeDisk
	epoch  int
	remote string
}

// FakeRestoredVM is a VM registered by a restore.
type FakeRestoredVM struct {
	wlm.RegisteredVM
	Config    []byte
	Disks     []FakeAttachedDisk
	Networks  map[string]string
	PoweredOn bool
}

// FakeAttachedDisk is a disk attached to a restored VM.
type FakeAttachedDisk struct {
	Spec       wlm.DiskSpec
	RemotePath string
}

var _ wlm.Hypervisor = (*FakeHypervisor)(nil)
var _ RemoteDisks = (*FakeHypervisor)(nil)

func NewFakeHypervisor() *FakeHypervisor {
	return &FakeHypervisor{
		ReplyWindow: 64 << 10,
		vms:         make(map[string]*FakeVM),
		snapshots:   make(map[string]*fakeSnapshot),
		remote:      make(map[string][]byte),
		registered:  make(map[string]*FakeRestoredVM),
	}
}

// AddVM creates a source VM.
func (h *FakeHypervisor) AddVM(id, name string) *FakeVM {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	vm := &FakeVM{
		ID:     id,
		Name:   name,
		Ref:    fmt.Sprintf("vm-%d", h.seq),
		Config: []byte(fmt.Sprintf("displayName = %q\n", name)),
	}
	h.vms[id] = vm
	return vm
}

// AddDisk adds an empty disk to a source VM.
func (h *FakeHypervisor) AddDisk(vmID, label string, capacity int64) *FakeDisk {
	h.mu.Lock()
	defer h.mu.Unlock()
	vm := h.vms[vmID]
	d := &FakeDisk{
		Key:      int32(2000 + len(vm.disks)),
		Label:    label,
		StableID: fmt.Sprintf("%s-disk-%d", vmID, len(vm.disks)),
		Capacity: capacity,
		data:     make([]byte, capacity),
	}
	vm.disks = append(vm.disks, d)
	return d
}

// ResizeDisk changes the capacity of a disk, keeping its content.
func (h *FakeHypervisor) ResizeDisk(d *FakeDisk, capacity int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data := make([]byte, capacity)
	copy(data, d.data)
	d.data = data
	d.Capacity = capacity
}

// Write stores data at offset and records the change.
func (h *FakeHypervisor) Write(d *FakeDisk, offset int64, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	copy(d.data[offset:], data)
	d.writes = append(d.writes, fakeWrite{epoch: d.epoch, extent: model.Extent{Offset: offset, Length: int64(len(data))}})
}

// Content returns a copy of the current disk content.
func (h *FakeHypervisor) Content(d *FakeDisk) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), d.data...)
}

// Restored returns the VM registered under name, or nil.
func (h *FakeHypervisor) Restored(name string) *FakeRestoredVM {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registered[name]
}

// RemovedSnapshots returns the refs passed to RemoveSnapshot.
func (h *FakeHypervisor) RemovedSnapshots() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.removed...)
}

// OpenSnapshots returns the number of hypervisor snapshots not yet removed.
func (h *FakeHypervisor) OpenSnapshots() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.snapshots)
}

func (h *FakeHypervisor) Endpoint() wlm.DiskEndpoint {
	return wlm.DiskEndpoint{Host: "esx.test", User: "backup", Password: "secret"}
}

func (h *FakeHypervisor) Close() error { return nil }

func (h *FakeHypervisor) CreateSnapshot(ctx context.Context, vmID, name string) (*wlm.HypervisorSnapshot, error) {
	if err := h.fail("CreateSnapshot", vmID); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	vm, ok := h.vms[vmID]
	if !ok {
		return nil, fmt.Errorf("vm %s not found", vmID)
	}
	h.seq++
	snap := &fakeSnapshot{
		ref:   fmt.Sprintf("snapshot-%d", h.seq),
		vmID:  vmID,
		disks: make(map[int32]fakeFrozenDisk),
	}
	hs := &wlm.HypervisorSnapshot{
		Ref:    snap.ref,
		VMRef:  vm.Ref,
		VMName: vm.Name,
		Config: append([]byte(nil), vm.Config...),
	}
	for i, d := range vm.disks {
		remote := fmt.Sprintf("[ds1] %s/%s-%06d.vmdk", vm.Name, strings.ReplaceAll(d.Label, " ", "_"), h.seq)
		h.remote[remote] = append([]byte(nil), d.data...)
		snap.disks[d.Key] = fakeFrozenDisk{disk: d, epoch: d.epoch, remote: remote}

		token := ""
		if vm.ChangeTracked {
			token = "ct-" + strconv.Itoa(d.epoch)
		}
		d.epoch++
		hs.Devices = append(hs.Devices, wlm.Device{
			Key:           d.Key,
			Label:         d.Label,
			FileName:      remote,
			Datastore:     "ds1",
			CapacityBytes: d.Capacity,
			StableID:      d.StableID,
			ChangeToken:   token,
			ControllerKey: 1000,
			UnitNumber:    int32(i),
			AdapterType:   "lsiLogic",
			DiskType:      "thin",
		})
	}
	h.snapshots[snap.ref] = snap
	return hs, nil
}

func (h *FakeHypervisor) RemoveSnapshot(ctx context.Context, vmID, snapshotRef string) error {
	if err := h.fail("RemoveSnapshot", vmID); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	snap, ok := h.snapshots[snapshotRef]
	if !ok {
		return fmt.Errorf("snapshot %s not found", snapshotRef)
	}
	for _, fd := range snap.disks {
		delete(h.remote, fd.remote)
	}
	delete(h.snapshots, snapshotRef)
	h.removed = append(h.removed, snapshotRef)
	return nil
}

func (h *FakeHypervisor) EnableChangeTracking(ctx context.Context, vmID string) error {
	if err := h.fail("EnableChangeTracking", vmID); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	vm, ok := h.vms[vmID]
	if !ok {
		return fmt.Errorf("vm %s not found", vmID)
	}
	vm.ChangeTracked = true
	return nil
}

func (h *FakeHypervisor) QueryChangedAreas(ctx context.Context, vmID, snapshotRef string, deviceKey int32, sinceToken string, startOffset int64) (*wlm.ChangedAreas, error) {
	if err := h.fail("QueryChangedAreas", vmID); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.EmptyReplies > 0 {
		h.EmptyReplies--
		return &wlm.ChangedAreas{StartOffset: startOffset}, nil
	}

	snap, ok := h.snapshots[snapshotRef]
	if !ok {
		return nil, fmt.Errorf("snapshot %s not found", snapshotRef)
	}
	fd, ok := snap.disks[deviceKey]
	if !ok {
		return nil, fmt.Errorf("device %d not in snapshot %s", deviceKey, snapshotRef)
	}

	since := -1
	if sinceToken != model.FullCaptureToken {
		n, err := strconv.Atoi(strings.TrimPrefix(sinceToken, "ct-"))
		if err != nil || !strings.HasPrefix(sinceToken, "ct-") || n > fd.epoch {
			return nil, fmt.Errorf("invalid change id %q", sinceToken)
		}
		since = n
	}

	var changed []model.Extent
	for _, w := range fd.disk.writes {
		if w.epoch > since && w.epoch <= fd.epoch {
			changed = append(changed, w.extent)
		}
	}
	changed = vmdk.Normalize(changed)

	capacity := int64(len(h.remote[fd.remote]))
	window := min(h.ReplyWindow, capacity-startOffset)
	end := startOffset + window
	reply := &wlm.ChangedAreas{StartOffset: startOffset, Length: window}
	for _, e := range changed {
		lo, hi := max(e.Offset, startOffset), min(e.End(), end)
		if lo < hi {
			reply.Areas = append(reply.Areas, model.Extent{Offset: lo, Length: hi - lo})
		}
	}
	return reply, nil
}

func (h *FakeHypervisor) RegisterVM(ctx context.Context, req wlm.RegisterRequest) (*wlm.RegisteredVM, error) {
	if err := h.fail("RegisterVM", req.Name); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.registered[req.Name]; ok {
		return nil, wlm.ErrDuplicateName
	}
	for _, vm := range h.vms {
		if vm.Name == req.Name {
			return nil, wlm.ErrDuplicateName
		}
	}
	h.seq++
	ds := req.Datastore
	if ds == "" {
		ds = "ds1"
	}
	vm := &FakeRestoredVM{
		RegisteredVM: wlm.RegisteredVM{
			Ref:  fmt.Sprintf("vm-%d", h.seq),
			ID:   fmt.Sprintf("restored-%d", h.seq),
			Name: req.Name,
			Dir:  fmt.Sprintf("[%s] %s", ds, req.Name),
		},
		Config: append([]byte(nil), req.Config...),
	}
	h.registered[req.Name] = vm
	out := vm.RegisteredVM
	return &out, nil
}

func (h *FakeHypervisor) CreateDisk(ctx context.Context, vm *wlm.RegisteredVM, spec wlm.DiskSpec) (string, error) {
	if err := h.fail("CreateDisk", vm.Name); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	path := fmt.Sprintf("%s/%s.vmdk", vm.Dir, strings.ReplaceAll(spec.Name, " ", "_"))
	if _, ok := h.remote[path]; ok {
		return "", fmt.Errorf("file %s already exists", path)
	}
	h.remote[path] = make([]byte, spec.CapacityBytes)
	return path, nil
}

func (h *FakeHypervisor) AttachDisk(ctx context.Context, vm *wlm.RegisteredVM, spec wlm.DiskSpec, remotePath string) error {
	if err := h.fail("AttachDisk", vm.Name); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.registered[vm.Name]
	if !ok {
		return fmt.Errorf("vm %s not registered", vm.Name)
	}
	r.Disks = append(r.Disks, FakeAttachedDisk{Spec: spec, RemotePath: remotePath})
	return nil
}

func (h *FakeHypervisor) PowerOn(ctx context.Context, vm *wlm.RegisteredVM) error {
	if err := h.fail("PowerOn", vm.Name); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.registered[vm.Name]; ok {
		r.PoweredOn = true
	}
	return nil
}

func (h *FakeHypervisor) RestoreNetwork(ctx context.Context, vm *wlm.RegisteredVM, mappings map[string]string) error {
	if err := h.fail("RestoreNetwork", vm.Name); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.registered[vm.Name]; ok {
		r.Networks = make(map[string]string, len(mappings))
		for k, v := range mappings {
			r.Networks[k] = v
		}
	}
	return nil
}

// ReadRemoteDisk returns the content of a snapshot or restored disk.
func (h *FakeHypervisor) ReadRemoteDisk(path string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.remote[path]
	if !ok {
		return nil, fmt.Errorf("remote disk %s not found", path)
	}
	return append([]byte(nil), data...), nil
}

// WriteRemoteDisk replaces the content of a remote disk created by CreateDisk.
func (h *FakeHypervisor) WriteRemoteDisk(path string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.remote[path]
	if !ok {
		return fmt.Errorf("remote disk %s not found", path)
	}
	if len(data) > len(cur) {
		return fmt.Errorf("image of %d bytes does not fit disk of %d bytes", len(data), len(cur))
	}
	copy(cur, data)
	return nil
}

func (h *FakeHypervisor) fail(op, target string) error {
	h.mu.Lock()
	fn := h.FailFunc
	h.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(op, target)
}
