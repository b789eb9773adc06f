package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const artifactRel = "workload_w1/snapshot_s1/vm_id_v1/Hard disk 1/a1.vmdk"

func newTestFSVault(t *testing.T) *FileSystemVault {
	t.Helper()
	v, err := NewFileSystemVault("test", filepath.Join(t.TempDir(), "vault"))
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	return v
}

func TestNewFileSystemVault(t *testing.T) {
	t.Run("creates directory structure", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "vault")

		v, err := NewFileSystemVault("test", root)
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}

		if _, err := os.Stat(filepath.Join(root, "artifacts")); err != nil {
			t.Errorf("artifacts directory not created: %v", err)
		}
		if _, err := os.Stat(filepath.Join(root, "metadata")); err != nil {
			t.Errorf("metadata directory not created: %v", err)
		}
		if v.name != "test" {
			t.Errorf("name = %q, want %q", v.name, "test")
		}
	})

	t.Run("works with existing directory", func(t *testing.T) {
		if _, err := NewFileSystemVault("test", t.TempDir()); err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
	})
}

func TestFileSystemVault_ArtifactLifecycle(t *testing.T) {
	v := newTestFSVault(t)

	local, err := v.LocalPath(artifactRel)
	if err != nil {
		t.Fatalf("LocalPath() error = %v", err)
	}
	if !strings.HasSuffix(filepath.ToSlash(local), "artifacts/"+artifactRel) {
		t.Errorf("LocalPath() = %q, want it under artifacts/", local)
	}

	if err := v.Persist(artifactRel); err == nil {
		t.Error("Persist() expected error before the file is written")
	}

	if err := os.WriteFile(local, []byte("descriptor"), 0644); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}
	if err := v.Persist(artifactRel); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	ok, err := v.Exists(artifactRel)
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v; want true, nil", ok, err)
	}

	var buf bytes.Buffer
	if err := v.Fetch(artifactRel, &buf); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if buf.String() != "descriptor" {
		t.Errorf("Fetch() = %q, want %q", buf.String(), "descriptor")
	}

	got, err := v.Materialize(artifactRel)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if got != local {
		t.Errorf("Materialize() = %q, want in-place path %q", got, local)
	}

	if err := v.Delete(artifactRel); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if ok, _ := v.Exists(artifactRel); ok {
		t.Error("artifact still exists after Delete()")
	}
	if err := v.Delete(artifactRel); err != nil {
		t.Errorf("Delete() of missing file error = %v", err)
	}
}

func TestFileSystemVault_Fetch_NotFound(t *testing.T) {
	v := newTestFSVault(t)

	err := v.Fetch("workload_w/none.vmdk", &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Fetch() error = %v, want not found", err)
	}
}

func TestFileSystemVault_DeleteTree(t *testing.T) {
	v := newTestFSVault(t)

	for _, rel := range []string{
		"workload_w1/snapshot_s1/vm_id_v1/disk/a.vmdk",
		"workload_w1/snapshot_s1/vm_id_v1/disk/a.vmdk-ctk",
		"workload_w1/snapshot_s2/vm_id_v1/disk/b.vmdk",
	} {
		p, _ := v.LocalPath(rel)
		os.WriteFile(p, []byte("x"), 0644)
	}

	if err := v.DeleteTree("workload_w1/snapshot_s1"); err != nil {
		t.Fatalf("DeleteTree() error = %v", err)
	}

	if ok, _ := v.Exists("workload_w1/snapshot_s1/vm_id_v1/disk/a.vmdk"); ok {
		t.Error("snapshot_s1 artifact survived DeleteTree()")
	}
	if ok, _ := v.Exists("workload_w1/snapshot_s2/vm_id_v1/disk/b.vmdk"); !ok {
		t.Error("snapshot_s2 artifact removed by DeleteTree()")
	}
}

func TestFileSystemVault_RejectsEscapingPaths(t *testing.T) {
	v := newTestFSVault(t)

	for _, rel := range []string{"../outside.vmdk", "workload/../../x", "", "/"} {
		if _, err := v.LocalPath(rel); err == nil {
			t.Errorf("LocalPath(%q) expected error", rel)
		}
	}
	if err := v.DeleteTree("."); err == nil {
		t.Error("DeleteTree(\".\") expected error")
	}
}

func TestFileSystemVault_Metadata(t *testing.T) {
	t.Run("stores item and version", func(t *testing.T) {
		v := newTestFSVault(t)
		data := "sqlite backup"

		if err := v.PutMetadata("host-1", "db", strings.NewReader(data), int64(len(data)), 7); err != nil {
			t.Fatalf("PutMetadata() error = %v", err)
		}

		version, err := v.GetMetadataVersion("host-1", "db")
		if err != nil {
			t.Fatalf("GetMetadataVersion() error = %v", err)
		}
		if version != 7 {
			t.Errorf("GetMetadataVersion() = %d, want 7", version)
		}

		var buf bytes.Buffer
		if err := v.GetMetadata("host-1", "db", &buf); err != nil {
			t.Fatalf("GetMetadata() error = %v", err)
		}
		if buf.String() != data {
			t.Errorf("GetMetadata() = %q, want %q", buf.String(), data)
		}
	})

	t.Run("version is zero when absent", func(t *testing.T) {
		v := newTestFSVault(t)

		version, err := v.GetMetadataVersion("host-1", "db")
		if err != nil {
			t.Fatalf("GetMetadataVersion() error = %v", err)
		}
		if version != 0 {
			t.Errorf("GetMetadataVersion() = %d, want 0", version)
		}
	})

	t.Run("size mismatch leaves no file", func(t *testing.T) {
		v := newTestFSVault(t)

		err := v.PutMetadata("host-1", "db", strings.NewReader("abc"), 10, 1)
		if err == nil {
			t.Fatal("PutMetadata() expected size mismatch error")
		}
		if err := v.GetMetadata("host-1", "db", &bytes.Buffer{}); err == nil {
			t.Error("metadata should not exist after failed write")
		}
	})
}

func TestFileSystemVault_ValidateSetup(t *testing.T) {
	t.Run("valid vault", func(t *testing.T) {
		v := newTestFSVault(t)
		if err := v.ValidateSetup(); err != nil {
			t.Errorf("ValidateSetup() error = %v", err)
		}
	})

	t.Run("missing metadata directory", func(t *testing.T) {
		v := newTestFSVault(t)
		os.RemoveAll(v.metadataDir)
		if err := v.ValidateSetup(); err == nil {
			t.Error("ValidateSetup() expected error")
		}
	})
}
