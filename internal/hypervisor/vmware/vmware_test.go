package vmware

import (
	"context"
	"strings"
	"testing"

	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/simulator"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"wlm-go/internal/config"
	"wlm-go/internal/wlm"
)

func TestStripDisks(t *testing.T) {
	vmx := strings.Join([]string{
		`.encoding = "UTF-8"`,
		`displayName = "web01"`,
		`uuid.bios = "42 1a"`,
		`vc.uuid = "50 2b"`,
		`memSize = "4096"`,
		`scsi0.present = "TRUE"`,
		`scsi0:0.present = "TRUE"`,
		`scsi0:0.fileName = "web01.vmdk"`,
		`scsi0:1.present = "TRUE"`,
		`scsi0:1.fileName = "web01_1.vmdk"`,
		`ide1:0.present = "TRUE"`,
		`ide1:0.fileName = "/vmfs/volumes/iso/install.iso"`,
		`ethernet0.networkName = "VM Network"`,
	}, "\n")

	got := string(stripDisks([]byte(vmx), "restored-web01"))

	for _, want := range []string{
		`displayName = "restored-web01"`,
		`.encoding = "UTF-8"`,
		`memSize = "4096"`,
		`scsi0.present = "TRUE"`,
		`ide1:0.fileName = "/vmfs/volumes/iso/install.iso"`,
		`ethernet0.networkName = "VM Network"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("stripDisks() missing %q in:\n%s", want, got)
		}
	}
	for _, gone := range []string{`scsi0:0.`, `scsi0:1.`, `uuid.bios`, `vc.uuid`, `"web01"`} {
		if strings.Contains(got, gone) {
			t.Errorf("stripDisks() kept %q in:\n%s", gone, got)
		}
	}
}

func TestAdapterType(t *testing.T) {
	tests := []struct {
		controller types.BaseVirtualDevice
		want       string
	}{
		{&types.VirtualLsiLogicController{}, "lsiLogic"},
		{&types.ParaVirtualSCSIController{}, "pvscsi"},
		{&types.VirtualLsiLogicSASController{}, "lsiLogicSas"},
		{&types.VirtualBusLogicController{}, "busLogic"},
		{&types.VirtualIDEController{}, "ide"},
		{nil, "lsiLogic"},
	}
	for _, tt := range tests {
		if got := adapterType(tt.controller); got != tt.want {
			t.Errorf("adapterType(%T) = %q, want %q", tt.controller, got, tt.want)
		}
		if got := managerAdapterType(tt.want); got != "lsiLogic" && got != "busLogic" && got != "ide" {
			t.Errorf("managerAdapterType(%q) = %q", tt.want, got)
		}
	}
}

func TestDiskType(t *testing.T) {
	tests := []struct {
		name    string
		backing types.VirtualDiskFlatVer2BackingInfo
		want    string
	}{
		{"thin", types.VirtualDiskFlatVer2BackingInfo{ThinProvisioned: types.NewBool(true)}, "thin"},
		{"eager", types.VirtualDiskFlatVer2BackingInfo{EagerlyScrub: types.NewBool(true)}, "eagerZeroedThick"},
		{"thick", types.VirtualDiskFlatVer2BackingInfo{}, "preallocated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := diskType(&tt.backing); got != tt.want {
				t.Errorf("diskType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDiskFileName(t *testing.T) {
	if got := diskFileName(" Hard disk 2 "); got != "Hard_disk_2" {
		t.Errorf("diskFileName() = %q, want Hard_disk_2", got)
	}
}

// simulatedVM returns a backend on a simulated vCenter and one of its VMs.
func simulatedVM(ctx context.Context, t *testing.T, c *vim25.Client) (*Backend, *object.VirtualMachine, string) {
	t.Helper()
	b, err := newBackend(ctx, c, config.HypervisorConfig{}, wlm.NewNopLogger())
	if err != nil {
		t.Fatalf("newBackend() error = %v", err)
	}
	vm, err := find.NewFinder(c, true).VirtualMachine(ctx, "DC0_H0_VM0")
	if err != nil {
		t.Fatalf("VirtualMachine() error = %v", err)
	}
	var props mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"config.instanceUuid"}, &props); err != nil {
		t.Fatalf("Properties() error = %v", err)
	}
	return b, vm, props.Config.InstanceUuid
}

func TestBackend_Simulator(t *testing.T) {
	simulator.Test(func(ctx context.Context, c *vim25.Client) {
		b, vm, uuid := simulatedVM(ctx, t, c)

		t.Run("findVM", func(t *testing.T) {
			got, err := b.findVM(ctx, uuid)
			if err != nil {
				t.Fatalf("findVM() error = %v", err)
			}
			if got.Reference() != vm.Reference() {
				t.Errorf("findVM() = %v, want %v", got.Reference(), vm.Reference())
			}
			if _, err := b.findVM(ctx, "00000000-0000-0000-0000-000000000000"); !wlm.IsKind(err, wlm.KindNotFound) {
				t.Errorf("findVM(unknown) error = %v, want NotFound", err)
			}
		})

		t.Run("RemoveSnapshot", func(t *testing.T) {
			task, err := vm.CreateSnapshot(ctx, "wlm-test", "", false, false)
			if err != nil {
				t.Fatalf("CreateSnapshot() error = %v", err)
			}
			info, err := task.WaitForResult(ctx)
			if err != nil {
				t.Fatalf("CreateSnapshot() error = %v", err)
			}
			ref := info.Result.(types.ManagedObjectReference)
			if err := b.RemoveSnapshot(ctx, uuid, ref.Value); err != nil {
				t.Fatalf("RemoveSnapshot() error = %v", err)
			}
			if _, err := vm.FindSnapshot(ctx, "wlm-test"); err == nil {
				t.Error("snapshot still present after RemoveSnapshot()")
			}
		})

		t.Run("PowerOn", func(t *testing.T) {
			task, err := vm.PowerOff(ctx)
			if err != nil {
				t.Fatalf("PowerOff() error = %v", err)
			}
			if err := task.Wait(ctx); err != nil {
				t.Fatalf("PowerOff() error = %v", err)
			}
			if err := b.PowerOn(ctx, &wlm.RegisteredVM{Ref: vm.Reference().Value, Name: "DC0_H0_VM0"}); err != nil {
				t.Fatalf("PowerOn() error = %v", err)
			}
			state, err := vm.PowerState(ctx)
			if err != nil {
				t.Fatalf("PowerState() error = %v", err)
			}
			if state != types.VirtualMachinePowerStatePoweredOn {
				t.Errorf("power state = %s, want poweredOn", state)
			}
		})
	})
}
