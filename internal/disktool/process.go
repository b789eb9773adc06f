package disktool

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"wlm-go/internal/wlm"
)

const (
	defaultQueueSize = 64
	stdoutTailLines  = 50
	stderrLimit      = 64 << 10
)

// process is one running tool invocation. A dedicated goroutine drains
// stdout so the tool never blocks on a full pipe; parsed progress values are
// handed to the consumer through a bounded queue that keeps only the newest
// values when the consumer falls behind.
type process struct {
	cmd      *exec.Cmd
	display  string
	parse    func(line string) (int64, bool)
	onLine   func(line string)
	progress chan int64
	done     chan struct{}

	mu      sync.Mutex
	tail    []string
	stderr  limitedBuffer
	waitErr error
}

var _ wlm.Transfer = (*process)(nil)

func start(ctx context.Context, bin string, args, env []string, queueSize int, parse func(string) (int64, bool), onLine func(string)) (*process, error) {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = env
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	p := &process{
		cmd:      cmd,
		display:  commandLine(bin, args),
		parse:    parse,
		onLine:   onLine,
		progress: make(chan int64, queueSize),
		done:     make(chan struct{}),
		stderr:   limitedBuffer{limit: stderrLimit},
	}
	cmd.Stderr = &p.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout of %s: %w", p.display, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", p.display, err)
	}

	go p.read(stdout)
	return p, nil
}

func (p *process) read(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	sc.Split(scanLinesOrCR)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stdoutTailLines {
			p.tail = p.tail[len(p.tail)-stdoutTailLines:]
		}
		p.mu.Unlock()

		if p.parse != nil {
			if v, ok := p.parse(line); ok {
				p.push(v)
				continue
			}
		}
		if p.onLine != nil {
			p.onLine(line)
		}
	}
	// Drain whatever the scanner refused so Wait does not block on the pipe.
	io.Copy(io.Discard, stdout)

	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.progress)
	close(p.done)
}

// push enqueues v, dropping the oldest queued value when the queue is full.
// Values are cumulative so a dropped one is superseded by v.
func (p *process) push(v int64) {
	for {
		select {
		case p.progress <- v:
			return
		default:
		}
		select {
		case <-p.progress:
		default:
		}
	}
}

func (p *process) Progress() <-chan int64 { return p.progress }

func (p *process) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("terminating %s: %w", p.display, err)
	}
	return nil
}

func (p *process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitErr == nil {
		return nil
	}
	perr := &wlm.ProcessError{
		Command:  p.display,
		ExitCode: -1,
		Stdout:   strings.Join(p.tail, "\n"),
		Stderr:   p.stderr.String(),
		Err:      p.waitErr,
	}
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		perr.ExitCode = exitErr.ExitCode()
	}
	return perr
}

// output returns the captured stdout tail.
func (p *process) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.tail, "\n")
}

// commandLine renders bin and args for logs with the password value masked.
func commandLine(bin string, args []string) string {
	masked := make([]string, len(args))
	copy(masked, args)
	for i := 0; i < len(masked)-1; i++ {
		if masked[i] == "-password" {
			masked[i+1] = "***********"
		}
	}
	return strings.Join(append([]string{bin}, masked...), " ")
}

// scanLinesOrCR splits on \n or \r; some tools redraw progress with \r.
func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
