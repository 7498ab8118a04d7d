package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"mcps/internal/api"
	"mcps/internal/fileutil"
)

// PollInterval is how often readiness and shutdown are re-checked.
const PollInterval = 200 * time.Millisecond

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	Port       int
	ConfigPath string
	Verbose    bool
}

// Args returns the command line passed to the daemon executable.
func (o LaunchOptions) Args() []string {
	args := []string{"daemon", "run"}
	if o.Port > 0 {
		args = append(args, "--port", strconv.Itoa(o.Port))
	}
	if cfg := strings.TrimSpace(o.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if o.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	Status   *api.StatusResponse
}

// Launch starts a detached daemon process in its own session with stdio
// discarded. It does not wait for readiness.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	proc := exec.Command(executablePath, opts.Args()...)
	proc.Stdin = devNull
	proc.Stdout = devNull
	proc.Stderr = devNull
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// EnsureDaemon returns once a daemon answers with initialization finished.
// When nothing answers, launch is called once and the status is polled
// every PollInterval until timeout.
func EnsureDaemon(ctx context.Context, client *Client, launch func() error, timeout time.Duration) (StartResult, error) {
	status, err := client.Probe(ctx)
	if err == nil && status.Initialized {
		return StartResult{State: StartStateAlreadyRunning, Status: status}, nil
	}

	launched := false
	if err != nil {
		if launch == nil {
			return StartResult{}, err
		}
		if launchErr := launch(); launchErr != nil {
			return StartResult{}, launchErr
		}
		launched = true
	}

	status, err = WaitForReady(ctx, client, timeout)
	if err != nil {
		return StartResult{}, err
	}
	state := StartStateAlreadyRunning
	if launched {
		state = StartStateStarted
	}
	return StartResult{State: state, Launched: launched, Status: status}, nil
}

// WaitForReady polls until the daemon reports initialized. Unreachable and
// not-yet-listening daemons count as still starting.
func WaitForReady(ctx context.Context, client *Client, timeout time.Duration) (*api.StatusResponse, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := client.Probe(ctx)
		if err == nil && status.Initialized {
			return status, nil
		}
		if time.Now().Add(PollInterval).After(deadline) {
			return nil, fmt.Errorf("daemon failed to start within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}

// WaitForShutdown polls until nothing answers on the control port.
func WaitForShutdown(ctx context.Context, client *Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_, err := client.Probe(ctx)
		if IsNotRunning(err) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon did not stop within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	StopAcknowledged bool
	ForcedKill       bool
	PID              int
}

// StopAndWait asks the daemon to stop and waits up to grace for the port to
// close. A daemon still answering afterwards is killed using pidPath, or the
// pid it reported. ErrDaemonNotRunning is returned when nothing answers.
func StopAndWait(ctx context.Context, client *Client, pidPath string, grace time.Duration) (StopResult, error) {
	status, err := client.Probe(ctx)
	if err != nil {
		if IsNotRunning(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}
	result := StopResult{PID: status.PID}

	if _, err := client.Stop(ctx); err != nil {
		if IsNotRunning(err) {
			return result, nil
		}
		return result, err
	}
	result.StopAcknowledged = true

	if err := WaitForShutdown(ctx, client, grace); err == nil {
		return result, nil
	}

	killedPID, killErr := ForceKillProcess(pidPath, status.PID)
	if killErr != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", killErr)
	}
	result.ForcedKill = true
	result.PID = killedPID
	return result, nil
}

// ForceKillProcess sends SIGKILL to the daemon process and removes its pid file.
func ForceKillProcess(pidPath string, fallbackPID int) (int, error) {
	pid := fallbackPID
	if pidPath != "" {
		stored, err := fileutil.ReadPIDFile(pidPath)
		if err != nil {
			return 0, err
		}
		if stored > 0 {
			pid = stored
		}
	}
	if pid <= 0 {
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if pidPath != "" {
		if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
		}
	}
	return pid, nil
}

// RestartResult captures stop/start outcomes for daemon restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// Restart stops the daemon if running, then ensures it is started.
func Restart(ctx context.Context, client *Client, pidPath string, launch func() error, grace, startTimeout time.Duration) (RestartResult, error) {
	stopResult, stopErr := StopAndWait(ctx, client, pidPath, grace)
	if stopErr != nil && !errors.Is(stopErr, ErrDaemonNotRunning) {
		return RestartResult{}, stopErr
	}

	startResult, err := EnsureDaemon(ctx, client, launch, startTimeout)
	if err != nil {
		return RestartResult{}, err
	}
	return RestartResult{
		WasRunning: stopErr == nil,
		Stop:       stopResult,
		Start:      startResult,
	}, nil
}
