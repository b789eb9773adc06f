package disktool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wlm-go/internal/config"
	"wlm-go/internal/model"
	"wlm-go/internal/wlm"
)

// writeTool writes an executable shell script standing in for the disk tool.
// The script appends its arguments to args.log in the same directory.
func writeTool(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "args.log")
	script := "#!/bin/sh\necho \"$@\" >> " + logPath + "\n" + body + "\n"
	path := filepath.Join(dir, "tool")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("writing tool script: %v", err)
	}
	return path, logPath
}

func newTestCLI(t *testing.T, toolPath string) *CLI {
	t.Helper()
	c, err := NewCLI(config.DiskToolConfig{Path: toolPath, QueueSize: 8}, wlm.NewNopLogger())
	if err != nil {
		t.Fatalf("NewCLI() error = %v", err)
	}
	return c
}

func readArgs(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading args log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func collect(tr wlm.Transfer) []int64 {
	var got []int64
	for v := range tr.Progress() {
		got = append(got, v)
	}
	return got
}

func TestCLI_DownloadExtents(t *testing.T) {
	t.Run("streams byte progress and ignores other lines", func(t *testing.T) {
		tool, logPath := writeTool(t, `echo "Opening disk"; echo "4096 Done"; echo "8192 Done"; echo "bye"`)
		c := newTestCLI(t, tool)

		tr, err := c.DownloadExtents(context.Background(), wlm.DownloadRequest{
			Endpoint:   wlm.DiskEndpoint{Host: "esx1", User: "root", Password: "s3cret"},
			VMRef:      "vm-42",
			RemotePath: "[ds1] vm/vm-000001.vmdk",
			ExtentFile: "/vault/a.vmdk-ctk",
			ParentPath: "/vault/p.vmdk",
			Dest:       "/vault/a.vmdk",
		})
		if err != nil {
			t.Fatalf("DownloadExtents() error = %v", err)
		}

		got := collect(tr)
		if err := tr.Wait(); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if len(got) != 2 || got[0] != 4096 || got[1] != 8192 {
			t.Errorf("progress = %v, want [4096 8192]", got)
		}

		args := readArgs(t, logPath)[0]
		for _, want := range []string{"-downloadextents", "-extentfile /vault/a.vmdk-ctk", "-parentPath /vault/p.vmdk", "-vm moref=vm-42"} {
			if !strings.Contains(args, want) {
				t.Errorf("args %q missing %q", args, want)
			}
		}
	})

	t.Run("omits parent for a full capture", func(t *testing.T) {
		tool, logPath := writeTool(t, `exit 0`)
		c := newTestCLI(t, tool)

		tr, err := c.DownloadExtents(context.Background(), wlm.DownloadRequest{RemotePath: "[ds1] d.vmdk", ExtentFile: "x-ctk", Dest: "x"})
		if err != nil {
			t.Fatalf("DownloadExtents() error = %v", err)
		}
		collect(tr)
		tr.Wait()

		if args := readArgs(t, logPath)[0]; strings.Contains(args, "-parentPath") {
			t.Errorf("args %q should not name a parent", args)
		}
	})

	t.Run("nonzero exit is a process error with masked command", func(t *testing.T) {
		tool, _ := writeTool(t, `echo "100 Done"; echo "VixDiskLib_Open failed" >&2; exit 3`)
		c := newTestCLI(t, tool)

		tr, err := c.DownloadExtents(context.Background(), wlm.DownloadRequest{
			Endpoint: wlm.DiskEndpoint{Password: "s3cret"},
			Dest:     "x",
		})
		if err != nil {
			t.Fatalf("DownloadExtents() error = %v", err)
		}
		collect(tr)
		err = tr.Wait()

		var perr *wlm.ProcessError
		if !errors.As(err, &perr) {
			t.Fatalf("Wait() error = %v, want *ProcessError", err)
		}
		if perr.ExitCode != 3 {
			t.Errorf("ExitCode = %d, want 3", perr.ExitCode)
		}
		if !strings.Contains(perr.Stderr, "VixDiskLib_Open failed") {
			t.Errorf("Stderr = %q", perr.Stderr)
		}
		if !strings.Contains(perr.Stdout, "100 Done") {
			t.Errorf("Stdout = %q", perr.Stdout)
		}
		if strings.Contains(perr.Command, "s3cret") {
			t.Errorf("Command leaks password: %q", perr.Command)
		}
		if !wlm.IsKind(err, wlm.KindProcessExecution) {
			t.Error("process error should classify as KindProcessExecution")
		}
	})
}

func TestCLI_Terminate(t *testing.T) {
	tool, _ := writeTool(t, `echo "512 Done"; exec sleep 30`)
	c := newTestCLI(t, tool)

	tr, err := c.DownloadExtents(context.Background(), wlm.DownloadRequest{Dest: "x"})
	if err != nil {
		t.Fatalf("DownloadExtents() error = %v", err)
	}

	select {
	case v := <-tr.Progress():
		if v != 512 {
			t.Errorf("first progress = %d, want 512", v)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no progress before timeout")
	}

	if err := tr.Terminate(); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	collect(tr)
	if err := tr.Wait(); err == nil {
		t.Error("Wait() after Terminate() expected error")
	}
	if err := tr.Terminate(); err != nil {
		t.Errorf("second Terminate() error = %v", err)
	}
}

func TestCLI_CommitReportsPercentAsBytes(t *testing.T) {
	tool, logPath := writeTool(t, `echo "Cloning : 50% Done"; echo "Cloning : 100% Done"`)
	c := newTestCLI(t, tool)

	tr, err := c.Commit(context.Background(), "/work/c.vmdk", "/work/flat.vmdk", 2000)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	got := collect(tr)
	if err := tr.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(got) != 2 || got[0] != 1000 || got[1] != 2000 {
		t.Errorf("progress = %v, want [1000 2000]", got)
	}
	if args := readArgs(t, logPath)[0]; args != "-clone /work/c.vmdk /work/flat.vmdk" {
		t.Errorf("args = %q", args)
	}
}

func TestCLI_SpaceForClone(t *testing.T) {
	t.Run("parses the estimate", func(t *testing.T) {
		tool, _ := writeTool(t, `echo "Opening"; echo "1048576 Bytes Required for Cloning"`)
		c := newTestCLI(t, tool)

		got, err := c.SpaceForClone(context.Background(), "/work/c.vmdk")
		if err != nil {
			t.Fatalf("SpaceForClone() error = %v", err)
		}
		if got != 1048576 {
			t.Errorf("SpaceForClone() = %d, want 1048576", got)
		}
	})

	t.Run("fails without an estimate", func(t *testing.T) {
		tool, _ := writeTool(t, `echo "nothing useful"`)
		c := newTestCLI(t, tool)

		if _, err := c.SpaceForClone(context.Background(), "/work/c.vmdk"); err == nil {
			t.Error("SpaceForClone() expected error")
		}
	})
}

func TestCLI_CreateAndCopyExtents(t *testing.T) {
	tool, logPath := writeTool(t, `exit 0`)
	c := newTestCLI(t, tool)
	ctx := context.Background()

	if err := c.Create(ctx, "/vault/a.vmdk", 3*mib+1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	extents := []model.Extent{{Offset: 1024, Length: 512}, {Offset: 65536, Length: 1536}}
	if err := c.CopyExtents(ctx, "/vault/d.vmdk", "/vault/c.vmdk", extents); err != nil {
		t.Fatalf("CopyExtents() error = %v", err)
	}

	args := readArgs(t, logPath)
	want := []string{
		"-create -cap 4 /vault/a.vmdk",
		"-copy /vault/d.vmdk -start 2 -count 1 /vault/c.vmdk",
		"-copy /vault/d.vmdk -start 128 -count 3 /vault/c.vmdk",
	}
	if len(args) != len(want) {
		t.Fatalf("invocations = %q, want %q", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("invocation %d = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestCLI_CopyExtents_RejectsPartialSectors(t *testing.T) {
	tool, logPath := writeTool(t, `exit 0`)
	c := newTestCLI(t, tool)

	// The second extent ends mid-sector; nothing may be copied.
	extents := []model.Extent{{Offset: 0, Length: 512}, {Offset: 65536, Length: 100}}
	err := c.CopyExtents(context.Background(), "/vault/d.vmdk", "/vault/c.vmdk", extents)
	if !wlm.IsKind(err, wlm.KindInvalidState) {
		t.Fatalf("CopyExtents() error = %v, want InvalidState", err)
	}
	if _, err := os.Stat(logPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("disk tool ran for unaligned extents (args log: %v)", err)
	}
}

func TestCommandLine_MasksPassword(t *testing.T) {
	got := commandLine("tool", []string{"-host", "h", "-password", "hunter2", "-vm", "moref=vm-1"})
	if strings.Contains(got, "hunter2") {
		t.Errorf("commandLine() = %q leaks password", got)
	}
	if !strings.Contains(got, "-password ***********") {
		t.Errorf("commandLine() = %q, want masked password", got)
	}
}

func TestProcess_PushKeepsNewest(t *testing.T) {
	p := &process{progress: make(chan int64, 2)}
	for _, v := range []int64{1, 2, 3, 4} {
		p.push(v)
	}
	close(p.progress)

	var got []int64
	for v := range p.progress {
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("queued = %v, want [3 4]", got)
	}
}
