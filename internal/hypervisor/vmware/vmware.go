// Package vmware implements the hypervisor capabilities on vSphere through
// govmomi.
package vmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"wlm-go/internal/config"
	"wlm-go/internal/model"
	"wlm-go/internal/wlm"
)

// Backend talks to one vCenter or ESXi endpoint, scoped to a datacenter.
type Backend struct {
	client     *vim25.Client
	logout     func(context.Context) error
	finder     *find.Finder
	datacenter *object.Datacenter
	endpoint   wlm.DiskEndpoint
	cfg        config.HypervisorConfig
	logger     wlm.Logger
}

var _ wlm.Hypervisor = (*Backend)(nil)

// Dial connects to the endpoint in cfg. Only connection establishment is
// bounded by ConnectTimeout. Close must be called to end the session.
func Dial(ctx context.Context, cfg config.HypervisorConfig, logger wlm.Logger) (*Backend, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("hypervisor host is required")
	}
	u, err := soap.ParseURL(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("parsing hypervisor host %q: %w", cfg.Host, err)
	}
	u.User = url.UserPassword(cfg.User, cfg.Password)

	dialCtx := ctx
	if cfg.ConnectTimeout.Duration > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout.Duration)
		defer cancel()
	}
	c, err := govmomi.NewClient(dialCtx, u, cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", u.Host, err)
	}

	b, err := newBackend(ctx, c.Client, cfg, logger)
	if err != nil {
		c.Logout(context.WithoutCancel(ctx))
		return nil, err
	}
	b.logout = c.Logout
	b.endpoint = wlm.DiskEndpoint{Host: u.Hostname(), User: cfg.User, Password: cfg.Password}
	logger.Debug("connected to hypervisor", "host", u.Host, "datacenter", b.datacenter.Name())
	return b, nil
}

func newBackend(ctx context.Context, c *vim25.Client, cfg config.HypervisorConfig, logger wlm.Logger) (*Backend, error) {
	finder := find.NewFinder(c, true)
	dc, err := finder.DatacenterOrDefault(ctx, cfg.Datacenter)
	if err != nil {
		return nil, fmt.Errorf("finding datacenter %q: %w", cfg.Datacenter, err)
	}
	finder.SetDatacenter(dc)
	return &Backend{
		client:     c,
		finder:     finder,
		datacenter: dc,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

func (b *Backend) Endpoint() wlm.DiskEndpoint { return b.endpoint }

func (b *Backend) Close() error {
	if b.logout == nil {
		return nil
	}
	return b.logout(context.Background())
}

// findVM looks a VM up by its instance UUID.
func (b *Backend) findVM(ctx context.Context, vmID string) (*object.VirtualMachine, error) {
	ref, err := object.NewSearchIndex(b.client).FindByUuid(ctx, b.datacenter, vmID, true, types.NewBool(true))
	if err != nil {
		return nil, fmt.Errorf("finding vm %s: %w", vmID, err)
	}
	if ref == nil {
		return nil, wlm.NotFound("vm %s", vmID)
	}
	vm, ok := ref.(*object.VirtualMachine)
	if !ok {
		return nil, fmt.Errorf("vm %s resolved to a %T", vmID, ref)
	}
	return vm, nil
}

func (b *Backend) registeredVM(vm *wlm.RegisteredVM) *object.VirtualMachine {
	return object.NewVirtualMachine(b.client, types.ManagedObjectReference{Type: "VirtualMachine", Value: vm.Ref})
}

func snapshotRef(ref string) types.ManagedObjectReference {
	return types.ManagedObjectReference{Type: "VirtualMachineSnapshot", Value: ref}
}

// CreateSnapshot takes a quiesced snapshot without memory. The snapshot is
// removed again if its devices or the VM configuration cannot be read.
func (b *Backend) CreateSnapshot(ctx context.Context, vmID, name string) (*wlm.HypervisorSnapshot, error) {
	vm, err := b.findVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	task, err := vm.CreateSnapshot(ctx, name, "workload snapshot", false, true)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot of vm %s: %w", vmID, err)
	}
	info, err := task.WaitForResult(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot of vm %s: %w", vmID, err)
	}
	ref, ok := info.Result.(types.ManagedObjectReference)
	if !ok {
		return nil, fmt.Errorf("snapshot task of vm %s returned %T", vmID, info.Result)
	}

	hs, err := b.describeSnapshot(ctx, vm, ref)
	if err != nil {
		if rerr := b.removeSnapshot(context.WithoutCancel(ctx), ref); rerr != nil {
			b.logger.Warn("removing snapshot after failure failed", "vm", vmID, "snapshot", ref.Value, "error", rerr)
		}
		return nil, err
	}
	b.logger.Debug("hypervisor snapshot created", "vm", vmID, "snapshot", ref.Value, "disks", len(hs.Devices))
	return hs, nil
}

func (b *Backend) describeSnapshot(ctx context.Context, vm *object.VirtualMachine, ref types.ManagedObjectReference) (*wlm.HypervisorSnapshot, error) {
	var snap mo.VirtualMachineSnapshot
	if err := property.DefaultCollector(b.client).RetrieveOne(ctx, ref, []string{"config"}, &snap); err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", ref.Value, err)
	}
	var props mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"name", "config.files.vmPathName"}, &props); err != nil {
		return nil, fmt.Errorf("reading vm properties: %w", err)
	}
	config, err := b.download(ctx, props.Config.Files.VmPathName)
	if err != nil {
		return nil, fmt.Errorf("downloading configuration of vm %s: %w", props.Name, err)
	}

	hs := &wlm.HypervisorSnapshot{
		Ref:    ref.Value,
		VMRef:  vm.Reference().Value,
		VMName: props.Name,
		Config: config,
	}
	devices := object.VirtualDeviceList(snap.Config.Hardware.Device)
	for _, d := range devices.SelectByType((*types.VirtualDisk)(nil)) {
		dev, err := describeDisk(devices, d.(*types.VirtualDisk))
		if err != nil {
			return nil, err
		}
		hs.Devices = append(hs.Devices, dev)
	}
	return hs, nil
}

// describeDisk maps a snapshot disk onto a Device.
func describeDisk(devices object.VirtualDeviceList, disk *types.VirtualDisk) (wlm.Device, error) {
	backing, ok := disk.Backing.(*types.VirtualDiskFlatVer2BackingInfo)
	if !ok {
		return wlm.Device{}, fmt.Errorf("disk %d has unsupported backing %T", disk.Key, disk.Backing)
	}
	var ds object.DatastorePath
	ds.FromString(backing.FileName)

	dev := wlm.Device{
		Key:           disk.Key,
		Label:         devices.Name(disk),
		FileName:      backing.FileName,
		Datastore:     ds.Datastore,
		CapacityBytes: disk.CapacityInBytes,
		StableID:      backing.Uuid,
		ChangeToken:   backing.ChangeId,
		ControllerKey: disk.ControllerKey,
		AdapterType:   adapterType(devices.FindByKey(disk.ControllerKey)),
		DiskType:      diskType(backing),
	}
	if info := disk.DeviceInfo; info != nil {
		dev.Label = info.GetDescription().Label
	}
	if disk.UnitNumber != nil {
		dev.UnitNumber = *disk.UnitNumber
	}
	if dev.CapacityBytes == 0 {
		dev.CapacityBytes = disk.CapacityInKB * 1024
	}
	return dev, nil
}

// adapterType names a controller the way the virtual disk manager expects.
func adapterType(controller types.BaseVirtualDevice) string {
	switch controller.(type) {
	case *types.VirtualBusLogicController:
		return "busLogic"
	case *types.VirtualIDEController:
		return "ide"
	case *types.ParaVirtualSCSIController:
		return "pvscsi"
	case *types.VirtualLsiLogicSASController:
		return "lsiLogicSas"
	default:
		return "lsiLogic"
	}
}

func diskType(backing *types.VirtualDiskFlatVer2BackingInfo) string {
	switch {
	case backing.ThinProvisioned != nil && *backing.ThinProvisioned:
		return "thin"
	case backing.EagerlyScrub != nil && *backing.EagerlyScrub:
		return "eagerZeroedThick"
	default:
		return "preallocated"
	}
}

func (b *Backend) RemoveSnapshot(ctx context.Context, vmID, ref string) error {
	if err := b.removeSnapshot(ctx, snapshotRef(ref)); err != nil {
		return fmt.Errorf("removing snapshot %s of vm %s: %w", ref, vmID, err)
	}
	return nil
}

func (b *Backend) removeSnapshot(ctx context.Context, ref types.ManagedObjectReference) error {
	res, err := methods.RemoveSnapshot_Task(ctx, b.client, &types.RemoveSnapshot_Task{
		This:           ref,
		RemoveChildren: false,
		Consolidate:    types.NewBool(true),
	})
	if err != nil {
		return err
	}
	return object.NewTask(b.client, res.Returnval).Wait(ctx)
}

// EnableChangeTracking turns on changed-block tracking unless it already is.
func (b *Backend) EnableChangeTracking(ctx context.Context, vmID string) error {
	vm, err := b.findVM(ctx, vmID)
	if err != nil {
		return err
	}
	var props mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"config.changeTrackingEnabled"}, &props); err != nil {
		return fmt.Errorf("reading change tracking state of vm %s: %w", vmID, err)
	}
	if props.Config != nil && props.Config.ChangeTrackingEnabled != nil && *props.Config.ChangeTrackingEnabled {
		return nil
	}
	task, err := vm.Reconfigure(ctx, types.VirtualMachineConfigSpec{ChangeTrackingEnabled: types.NewBool(true)})
	if err != nil {
		return fmt.Errorf("enabling change tracking on vm %s: %w", vmID, err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("enabling change tracking on vm %s: %w", vmID, err)
	}
	b.logger.Info("change tracking enabled", "vm", vmID)
	return nil
}

func (b *Backend) QueryChangedAreas(ctx context.Context, vmID, ref string, deviceKey int32, sinceToken string, startOffset int64) (*wlm.ChangedAreas, error) {
	vm, err := b.findVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	snap := snapshotRef(ref)
	res, err := methods.QueryChangedDiskAreas(ctx, b.client, &types.QueryChangedDiskAreas{
		This:        vm.Reference(),
		Snapshot:    &snap,
		DeviceKey:   deviceKey,
		StartOffset: startOffset,
		ChangeId:    sinceToken,
	})
	if err != nil {
		return nil, err
	}
	info := res.Returnval
	out := &wlm.ChangedAreas{StartOffset: info.StartOffset, Length: info.Length}
	for _, a := range info.ChangedArea {
		out.Areas = append(out.Areas, model.Extent{Offset: a.Start, Length: a.Length})
	}
	return out, nil
}

// RegisterVM uploads the saved configuration, without its disks, into a new
// directory and registers it.
func (b *Backend) RegisterVM(ctx context.Context, req wlm.RegisterRequest) (*wlm.RegisteredVM, error) {
	if _, err := b.finder.VirtualMachine(ctx, req.Name); err == nil {
		return nil, wlm.ErrDuplicateName
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("checking vm name %s: %w", req.Name, err)
	}

	dsName := req.Datastore
	if dsName == "" {
		dsName = b.cfg.Datastore
	}
	ds, err := b.finder.DatastoreOrDefault(ctx, dsName)
	if err != nil {
		return nil, fmt.Errorf("finding datastore %q: %w", dsName, err)
	}
	dir := ds.Path(req.Name)
	if err := object.NewFileManager(b.client).MakeDirectory(ctx, dir, b.datacenter, true); err != nil {
		if isFault[*types.FileAlreadyExists](err) {
			return nil, wlm.ErrDuplicateName
		}
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	vmx := stripDisks(req.Config, req.Name)
	upload := soap.DefaultUpload
	upload.ContentLength = int64(len(vmx))
	vmxPath := req.Name + "/" + req.Name + ".vmx"
	if err := ds.Upload(ctx, strings.NewReader(string(vmx)), vmxPath, &upload); err != nil {
		return nil, fmt.Errorf("uploading configuration of %s: %w", req.Name, err)
	}

	folder, err := b.finder.FolderOrDefault(ctx, req.Folder)
	if err != nil {
		return nil, fmt.Errorf("finding folder %q: %w", req.Folder, err)
	}
	poolName := req.ResourcePool
	if poolName == "" {
		poolName = b.cfg.ResourcePool
	}
	pool, err := b.finder.ResourcePoolOrDefault(ctx, poolName)
	if err != nil {
		return nil, fmt.Errorf("finding resource pool %q: %w", poolName, err)
	}

	task, err := folder.RegisterVM(ctx, ds.Path(vmxPath), req.Name, false, pool, nil)
	if err != nil {
		return nil, fmt.Errorf("registering vm %s: %w", req.Name, err)
	}
	info, err := task.WaitForResult(ctx)
	if err != nil {
		if isFault[*types.DuplicateName](err) {
			return nil, wlm.ErrDuplicateName
		}
		return nil, fmt.Errorf("registering vm %s: %w", req.Name, err)
	}
	ref, ok := info.Result.(types.ManagedObjectReference)
	if !ok {
		return nil, fmt.Errorf("register task of %s returned %T", req.Name, info.Result)
	}

	var props mo.VirtualMachine
	vm := object.NewVirtualMachine(b.client, ref)
	if err := vm.Properties(ctx, ref, []string{"config.instanceUuid"}, &props); err != nil {
		return nil, fmt.Errorf("reading registered vm %s: %w", req.Name, err)
	}
	b.logger.Info("vm registered", "name", req.Name, "ref", ref.Value)
	return &wlm.RegisteredVM{
		Ref:  ref.Value,
		ID:   props.Config.InstanceUuid,
		Name: req.Name,
		Dir:  dir,
	}, nil
}

func (b *Backend) CreateDisk(ctx context.Context, vm *wlm.RegisteredVM, spec wlm.DiskSpec) (string, error) {
	path := vm.Dir + "/" + diskFileName(spec.Name) + ".vmdk"
	task, err := object.NewVirtualDiskManager(b.client).CreateVirtualDisk(ctx, path, b.datacenter, &types.FileBackedVirtualDiskSpec{
		VirtualDiskSpec: types.VirtualDiskSpec{
			AdapterType: managerAdapterType(spec.AdapterType),
			DiskType:    orDefault(spec.DiskType, "thin"),
		},
		CapacityKb: (spec.CapacityBytes + 1023) / 1024,
	})
	if err != nil {
		return "", fmt.Errorf("creating disk %s: %w", path, err)
	}
	if err := task.Wait(ctx); err != nil {
		return "", fmt.Errorf("creating disk %s: %w", path, err)
	}
	return path, nil
}

func (b *Backend) AttachDisk(ctx context.Context, vm *wlm.RegisteredVM, spec wlm.DiskSpec, remotePath string) error {
	obj := b.registeredVM(vm)
	devices, err := obj.Device(ctx)
	if err != nil {
		return fmt.Errorf("listing devices of %s: %w", vm.Name, err)
	}
	controller, err := diskController(devices, spec.ControllerKey)
	if err != nil {
		return fmt.Errorf("finding controller for %s: %w", spec.Name, err)
	}

	var p object.DatastorePath
	if !p.FromString(remotePath) {
		return fmt.Errorf("invalid datastore path %q", remotePath)
	}
	ds, err := b.finder.Datastore(ctx, p.Datastore)
	if err != nil {
		return fmt.Errorf("finding datastore %q: %w", p.Datastore, err)
	}
	disk := devices.CreateDisk(controller, ds.Reference(), remotePath)
	disk.CapacityInBytes = spec.CapacityBytes
	if err := obj.AddDevice(ctx, disk); err != nil {
		return fmt.Errorf("attaching %s to %s: %w", remotePath, vm.Name, err)
	}
	return nil
}

// diskController prefers the controller the disk was captured on.
func diskController(devices object.VirtualDeviceList, key int32) (types.BaseVirtualController, error) {
	if d := devices.FindByKey(key); d != nil {
		if c, ok := d.(types.BaseVirtualController); ok {
			return c, nil
		}
	}
	return devices.FindDiskController("")
}

func (b *Backend) PowerOn(ctx context.Context, vm *wlm.RegisteredVM) error {
	task, err := b.registeredVM(vm).PowerOn(ctx)
	if err != nil {
		return fmt.Errorf("powering on %s: %w", vm.Name, err)
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("powering on %s: %w", vm.Name, err)
	}
	return nil
}

// RestoreNetwork moves NICs backed by a standard network onto the mapped
// network. NICs on unmapped networks are left alone.
func (b *Backend) RestoreNetwork(ctx context.Context, vm *wlm.RegisteredVM, mappings map[string]string) error {
	obj := b.registeredVM(vm)
	devices, err := obj.Device(ctx)
	if err != nil {
		return fmt.Errorf("listing devices of %s: %w", vm.Name, err)
	}
	for _, d := range devices.SelectByType((*types.VirtualEthernetCard)(nil)) {
		card, ok := d.(types.BaseVirtualEthernetCard)
		if !ok {
			continue
		}
		backing, ok := card.GetVirtualEthernetCard().Backing.(*types.VirtualEthernetCardNetworkBackingInfo)
		if !ok {
			continue
		}
		target, ok := mappings[backing.DeviceName]
		if !ok {
			continue
		}
		network, err := b.finder.Network(ctx, target)
		if err != nil {
			return fmt.Errorf("finding network %q: %w", target, err)
		}
		nb, err := network.EthernetCardBackingInfo(ctx)
		if err != nil {
			return fmt.Errorf("building backing for network %q: %w", target, err)
		}
		card.GetVirtualEthernetCard().Backing = nb
		if err := obj.EditDevice(ctx, d); err != nil {
			return fmt.Errorf("moving %s of %s to %q: %w", devices.Name(d), vm.Name, target, err)
		}
		b.logger.Info("nic remapped", "vm", vm.Name, "from", backing.DeviceName, "to", target)
	}
	return nil
}

func (b *Backend) download(ctx context.Context, dsPath string) ([]byte, error) {
	var p object.DatastorePath
	if !p.FromString(dsPath) {
		return nil, fmt.Errorf("invalid datastore path %q", dsPath)
	}
	ds, err := b.finder.Datastore(ctx, p.Datastore)
	if err != nil {
		return nil, fmt.Errorf("finding datastore %q: %w", p.Datastore, err)
	}
	rc, _, err := ds.Download(ctx, p.Path, &soap.DefaultDownload)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// managerAdapterType maps a controller type onto the adapter types the
// virtual disk manager accepts.
func managerAdapterType(t string) string {
	switch t {
	case "ide", "busLogic":
		return t
	default:
		return "lsiLogic"
	}
}

func diskFileName(label string) string {
	return strings.ReplaceAll(strings.TrimSpace(label), " ", "_")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func isNotFound(err error) bool {
	var nf *find.NotFoundError
	return errors.As(err, &nf)
}

// isFault reports whether err carries a vSphere fault of type T, either from
// a task or from a SOAP call.
func isFault[T types.BaseMethodFault](err error) bool {
	var hf types.HasFault
	if errors.As(err, &hf) {
		_, ok := hf.Fault().(T)
		return ok
	}
	if soap.IsSoapFault(err) {
		_, ok := soap.ToSoapFault(err).VimFault().(T)
		return ok
	}
	if soap.IsVimFault(err) {
		_, ok := soap.ToVimFault(err).(T)
		return ok
	}
	return false
}
