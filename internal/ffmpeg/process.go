package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotRunning is returned when an operation needs a live process.
var ErrNotRunning = errors.New("ffmpeg process not running")

const maxStderrLines = 50

// ProcessOptions configures Start.
type ProcessOptions struct {
	// Stdin opens a pipe to the process's standard input.
	Stdin bool

	// Logger receives diagnostic stderr lines.
	Logger *slog.Logger

	// KillDelay is how long to wait after an interrupt before killing the
	// process when the start context is cancelled.
	KillDelay time.Duration
}

// ResourceUsage is the CPU and memory footprint of a running process.
type ResourceUsage struct {
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSS     uint64  `json:"memory_rss_bytes"`
	MemoryVMS     uint64  `json:"memory_vms_bytes"`
	MemoryPercent float32 `json:"memory_percent"`
}

// Process is a running FFmpeg child process with piped stdio. Stdout is an
// os.Pipe owned by the caller side so that reads to EOF never race with Wait.
type Process struct {
	command *Command
	logger  *slog.Logger
	cmd     *exec.Cmd

	stdin  io.WriteCloser
	stdout *os.File

	stderrDone  chan struct{}
	stderrLines []string
	stderrMu    sync.RWMutex

	progressMu sync.RWMutex
	progress   Progress

	startedAt time.Time
	done      chan struct{}
	waitErr   error
	stopping  atomic.Bool
}

// Start launches the command. The process is interrupted, then killed, when
// ctx is cancelled.
func Start(ctx context.Context, command *Command, opts ProcessOptions) (*Process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KillDelay <= 0 {
		opts.KillDelay = 3 * time.Second
	}

	cmd := exec.CommandContext(ctx, command.Binary, command.Args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = opts.KillDelay

	p := &Process{
		command:     command,
		logger:      logger,
		cmd:         cmd,
		stderrDone:  make(chan struct{}),
		stderrLines: make([]string, 0, maxStderrLines),
		done:        make(chan struct{}),
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	closePipes := func() {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
	}

	if opts.Stdin {
		p.stdin, err = cmd.StdinPipe()
		if err != nil {
			closePipes()
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		closePipes()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		closePipes()
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}
	_ = stdoutW.Close()

	p.stdout = stdoutR
	p.startedAt = time.Now()

	go p.readStderr(stderr)
	go p.wait()

	logger.Debug("ffmpeg started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("command", command.String()))

	return p, nil
}

// wait reaps the process once stderr has been drained.
func (p *Process) wait() {
	<-p.stderrDone
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

// Stdin returns the process's standard input, or nil when not piped.
func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

// Stdout returns the process's standard output. It reaches EOF when the
// process exits.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error once Done is closed. An exit caused by Stop is
// not an error.
func (p *Process) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	if p.stopping.Load() {
		return nil
	}
	if p.waitErr != nil {
		if tail := p.StderrTail(); len(tail) > 0 {
			return fmt.Errorf("%w: %s", p.waitErr, tail[len(tail)-1])
		}
	}
	return p.waitErr
}

// PID returns the process ID.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Uptime returns how long the process has been running.
func (p *Process) Uptime() time.Duration {
	return time.Since(p.startedAt)
}

// Progress returns the most recent stats line values.
func (p *Process) Progress() Progress {
	p.progressMu.RLock()
	defer p.progressMu.RUnlock()
	return p.progress
}

// StderrTail returns the most recent diagnostic stderr lines.
func (p *Process) StderrTail() []string {
	p.stderrMu.RLock()
	defer p.stderrMu.RUnlock()

	lines := make([]string, len(p.stderrLines))
	copy(lines, p.stderrLines)
	return lines
}

// ResourceUsage samples CPU and memory usage of the process.
func (p *Process) ResourceUsage(ctx context.Context) (ResourceUsage, error) {
	select {
	case <-p.done:
		return ResourceUsage{}, ErrNotRunning
	default:
	}

	pid := p.PID()
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("inspecting pid %d: %w", pid, err)
	}

	usage := ResourceUsage{PID: pid}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		usage.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		usage.MemoryRSS = mem.RSS
		usage.MemoryVMS = mem.VMS
	}
	if pct, err := proc.MemoryPercentWithContext(ctx); err == nil {
		usage.MemoryPercent = pct
	}
	return usage, nil
}

// Stop ends the process: stdin is closed so FFmpeg can flush, then the
// process is interrupted and finally killed if it has not exited within
// timeout.
func (p *Process) Stop(timeout time.Duration) {
	if !p.stopping.CompareAndSwap(false, true) {
		<-p.done
		return
	}

	if p.stdin != nil {
		_ = p.stdin.Close()
	}

	p.waitWithTimeout(timeout)
	_ = p.stdout.Close()
}

func (p *Process) waitWithTimeout(timeout time.Duration) {
	select {
	case <-p.done:
		return
	case <-time.After(timeout):
		p.logger.Warn("ffmpeg did not exit in time, sending interrupt",
			slog.Int("pid", p.PID()))
		_ = p.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-p.done:
		return
	case <-time.After(500 * time.Millisecond):
		p.logger.Warn("ffmpeg did not respond to interrupt, killing",
			slog.Int("pid", p.PID()))
		_ = p.cmd.Process.Kill()
	}

	select {
	case <-p.done:
	case <-time.After(500 * time.Millisecond):
		p.logger.Error("ffmpeg process could not be killed",
			slog.Int("pid", p.PID()))
	}
}

// readStderr records progress and keeps recent diagnostic lines.
func (p *Process) readStderr(stderr io.Reader) {
	defer close(p.stderrDone)

	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanLinesWithCR)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if IsProgressLine(line) {
			p.progressMu.Lock()
			ParseProgress(line, &p.progress)
			p.progressMu.Unlock()
			continue
		}

		p.stderrMu.Lock()
		p.stderrLines = append(p.stderrLines, line)
		if len(p.stderrLines) > maxStderrLines {
			p.stderrLines = p.stderrLines[1:]
		}
		p.stderrMu.Unlock()

		p.logger.Warn("ffmpeg stderr",
			slog.Int("pid", p.PID()),
			slog.String("line", line))
	}
}
