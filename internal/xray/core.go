package xray

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rebvpn/rebnode/internal/logqueue"
)

// ErrNotRunning is returned by operations that require a started engine.
var ErrNotRunning = errors.New("xray has not been started")

const (
	// stopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	stopTimeout = 5 * time.Second

	// logBufferLines bounds the log queue between producer and batcher.
	logBufferLines = 2000
)

// Core supervises a single xray-core process: launch, termination,
// version, log capture and lifecycle hooks.
type Core struct {
	executablePath string
	assetsPath     string
	version        string
	logger         *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	stopping bool
	done     chan struct{}
	logs     *logqueue.Queue
	onStart  []func() error
	onStop   []func() error
}

// New creates a Core for the binary at executablePath. The binary is
// probed once for its version string; a binary that cannot be executed
// is an error.
func New(executablePath, assetsPath string) (*Core, error) {
	version, err := probeVersion(executablePath)
	if err != nil {
		return nil, err
	}

	return &Core{
		executablePath: executablePath,
		assetsPath:     assetsPath,
		version:        version,
		logger:         slog.With("component", "xray"),
		logs:           logqueue.New(logBufferLines),
	}, nil
}

// probeVersion runs `xray version` and extracts the version token from
// the first output line ("Xray 25.1.30 (Xray, Penetrates Everything.)").
func probeVersion(executablePath string) (string, error) {
	out, err := exec.Command(executablePath, "version").Output()
	if err != nil {
		return "", fmt.Errorf("probing xray version: %w", err)
	}

	line, _, _ := strings.Cut(string(out), "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", fmt.Errorf("unexpected version output %q", line)
	}
	return fields[1], nil
}

// Version returns the version string cached at construction.
func (c *Core) Version() string { return c.version }

// Logs returns the queue fed by the process's stdout and stderr.
// Consumers drain it destructively.
func (c *Core) Logs() *logqueue.Queue { return c.logs }

// Running reports whether the engine process is currently up.
func (c *Core) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// OnStart registers a hook invoked after each successful launch.
// Hook errors are logged and never abort the lifecycle.
func (c *Core) OnStart(f func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStart = append(c.onStart, f)
}

// OnStop registers a hook invoked after each process exit.
func (c *Core) OnStop(f func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStop = append(c.onStop, f)
}

// Start launches the engine with the given config on stdin.
func (c *Core) Start(cfg *Config) error {
	c.mu.Lock()

	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("xray already started")
	}

	cmd := exec.Command(c.executablePath, "run", "-config", "stdin:")
	cmd.Env = append(os.Environ(), "XRAY_LOCATION_ASSET="+c.assetsPath)
	cmd.Stdout = c.logs
	cmd.Stderr = c.logs

	// Own process group so Stop can signal the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("wiring xray stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		stdin.Close()
		return fmt.Errorf("starting xray: %w", err)
	}

	c.cmd = cmd
	c.running = true
	c.stopping = false
	c.done = make(chan struct{})
	done := c.done
	startHooks := append([]func() error(nil), c.onStart...)
	c.mu.Unlock()

	go func() {
		if _, err := stdin.Write(cfg.JSON()); err != nil {
			c.logger.Error("writing config to xray stdin", "error", err)
		}
		stdin.Close()
	}()

	// Reap the process and fire stop hooks in the background
	go func() {
		err := cmd.Wait()

		c.mu.Lock()
		c.running = false
		expected := c.stopping
		stopHooks := append([]func() error(nil), c.onStop...)
		c.mu.Unlock()

		if err != nil && !expected {
			c.logger.Warn("xray exited", "error", err)
		} else {
			c.logger.Info("xray stopped")
		}

		for _, f := range stopHooks {
			if err := f(); err != nil {
				c.logger.Debug("on_stop hook failed", "error", err)
			}
		}

		close(done)
	}()

	c.logger.Info("xray started", "version", c.version, "peer", cfg.Peer())

	for _, f := range startHooks {
		if err := f(); err != nil {
			c.logger.Debug("on_start hook failed", "error", err)
		}
	}

	return nil
}

// Stop terminates the engine process group: SIGTERM, bounded wait,
// SIGKILL. Returns ErrNotRunning when there is nothing to stop.
func (c *Core) Stop() error {
	c.mu.Lock()

	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}

	c.stopping = true
	pid := c.cmd.Process.Pid
	done := c.done
	c.mu.Unlock()

	_ = unix.Kill(-pid, unix.SIGTERM)

	select {
	case <-done:
	case <-time.After(stopTimeout):
		_ = unix.Kill(-pid, unix.SIGKILL)
		<-done
	}

	return nil
}

// Restart stops the engine if it is running and starts it with the
// given config.
func (c *Core) Restart(cfg *Config) error {
	if err := c.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return c.Start(cfg)
}
