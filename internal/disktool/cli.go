// Package disktool runs the external disk-image tools as subprocesses.
package disktool

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"wlm-go/internal/config"
	"wlm-go/internal/model"
	"wlm-go/internal/vmdk"
	"wlm-go/internal/wlm"
)

var (
	bytesDoneRe   = regexp.MustCompile(`(\d+) Done`)
	percentDoneRe = regexp.MustCompile(`(\d+)% [Dd]one`)
	spaceRe       = regexp.MustCompile(`(\d+) Bytes Required for Cloning`)
)

const mib = 1 << 20

// CLI implements wlm.DiskTool on top of the disk-image command line tool and
// vmware-vdiskmanager.
type CLI struct {
	path         string
	vdiskmanager string
	env          []string
	queueSize    int
	logger       wlm.Logger
}

var _ wlm.DiskTool = (*CLI)(nil)

// NewCLI creates a CLI from config.
func NewCLI(cfg config.DiskToolConfig, logger wlm.Logger) (*CLI, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("disk tool path is required")
	}
	env := os.Environ()
	if cfg.LibDir != "" {
		env = append(env, "LD_LIBRARY_PATH="+cfg.LibDir)
	}
	return &CLI{
		path:         cfg.Path,
		vdiskmanager: cfg.VDiskManagerPath,
		env:          env,
		queueSize:    cfg.QueueSize,
		logger:       logger,
	}, nil
}

func (c *CLI) Create(ctx context.Context, path string, capacity int64) error {
	mb := (capacity + mib - 1) / mib
	if mb < 1 {
		mb = 1
	}
	_, err := c.run(ctx, c.path, "-create", "-cap", strconv.FormatInt(mb, 10), path)
	return err
}

func (c *CLI) DownloadExtents(ctx context.Context, req wlm.DownloadRequest) (wlm.Transfer, error) {
	args := []string{"-downloadextents", req.RemotePath, "-extentfile", req.ExtentFile}
	if req.ParentPath != "" {
		args = append(args, "-parentPath", req.ParentPath)
	}
	args = append(args, endpointArgs(req.Endpoint, req.VMRef)...)
	args = append(args, req.Dest)
	return c.stream(ctx, c.path, args, parseBytesDone)
}

// CopyExtents issues one range copy per extent. The tool copies whole
// sectors, so every extent must be sector aligned; a partial sector would
// overwrite bytes of dst outside the extent.
func (c *CLI) CopyExtents(ctx context.Context, src, dst string, extents []model.Extent) error {
	if err := vmdk.CheckAligned(extents); err != nil {
		return wlm.InvalidState("copying extents into %s: %v", dst, err)
	}
	for _, e := range extents {
		_, err := c.run(ctx, c.path, "-copy", src,
			"-start", strconv.FormatInt(e.Offset/vmdk.SectorSize, 10),
			"-count", strconv.FormatInt(e.Length/vmdk.SectorSize, 10),
			dst)
		if err != nil {
			return fmt.Errorf("copying extent %d+%d: %w", e.Offset, e.Length, err)
		}
	}
	return nil
}

// Check runs the tool's consistency repair and, when configured, rebuilds the
// descriptor with vmware-vdiskmanager.
func (c *CLI) Check(ctx context.Context, path string) error {
	if _, err := c.run(ctx, c.path, "-check", "1", path); err != nil {
		return err
	}
	if c.vdiskmanager == "" {
		return nil
	}
	_, err := c.run(ctx, c.vdiskmanager, "-R", path)
	return err
}

func (c *CLI) Commit(ctx context.Context, leaf, dest string, size int64) (wlm.Transfer, error) {
	return c.stream(ctx, c.path, []string{"-clone", leaf, dest}, parsePercentOf(size))
}

func (c *CLI) Clone(ctx context.Context, req wlm.CloneRequest) (wlm.Transfer, error) {
	args := []string{"-clone", req.Source}
	args = append(args, endpointArgs(req.Endpoint, req.VMRef)...)
	args = append(args, req.RemotePath)
	return c.stream(ctx, c.path, args, parsePercentOf(req.Size))
}

func (c *CLI) SpaceForClone(ctx context.Context, path string) (int64, error) {
	out, err := c.run(ctx, c.path, "-spaceforclone", "monolithic_sparse", path)
	if err != nil {
		return 0, err
	}
	m := spaceRe.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("no space estimate in output of -spaceforclone for %s", path)
	}
	return strconv.ParseInt(m[1], 10, 64)
}

func (c *CLI) stream(ctx context.Context, bin string, args []string, parse func(string) (int64, bool)) (wlm.Transfer, error) {
	p, err := start(ctx, bin, args, c.env, c.queueSize, parse, c.diagnostic)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("disk tool started", "cmd", p.display)
	return p, nil
}

// run executes a short tool invocation to completion and returns its stdout tail.
func (c *CLI) run(ctx context.Context, bin string, args ...string) (string, error) {
	p, err := start(ctx, bin, args, c.env, c.queueSize, nil, c.diagnostic)
	if err != nil {
		return "", err
	}
	c.logger.Debug("disk tool started", "cmd", p.display)
	for range p.Progress() {
	}
	if err := p.Wait(); err != nil {
		c.logger.Error("disk tool failed", "cmd", p.display, "error", err)
		return "", err
	}
	return p.output(), nil
}

func (c *CLI) diagnostic(line string) {
	c.logger.Debug("disk tool output", "line", line)
}

func endpointArgs(ep wlm.DiskEndpoint, vmRef string) []string {
	return []string{
		"-host", ep.Host,
		"-user", ep.User,
		"-password", ep.Password,
		"-vm", "moref=" + vmRef,
	}
}

func parseBytesDone(line string) (int64, bool) {
	m := bytesDoneRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	return n, err == nil
}

// parsePercentOf turns "<pct>% Done" into bytes of size.
func parsePercentOf(size int64) func(string) (int64, bool) {
	return func(line string) (int64, bool) {
		m := percentDoneRe.FindStringSubmatch(line)
		if m == nil {
			return 0, false
		}
		pct, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || pct < 0 || pct > 100 {
			return 0, false
		}
		return size * pct / 100, true
	}
}
