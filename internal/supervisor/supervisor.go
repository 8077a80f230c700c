// Package supervisor owns the lifecycle of the long-running diagnostic
// child process: spawn, line pump, crash detection, restart scheduling, and
// stop finalization.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RestartDelay is the fixed pause before respawning a crashed process.
// Crashes here are typically transient driver hiccups, so a short constant
// delay recovers faster than an exponential schedule would.
const RestartDelay = time.Second

// State of the supervised process.
type State string

// Supervisor states.
const (
	StateIdle           State = "idle"            // no process, no restart pending
	StateRunning        State = "running"         // child alive, pump attached
	StateWaitingRestart State = "waiting_restart" // child dead, restart timer armed
	StateStopping       State = "stopping"        // stop requested, child winding down
	StateStopped        State = "stopped"         // terminal
)

// Hooks are the supervisor's outbound notifications. OnLine is invoked from
// a single pump goroutine, strictly in emission order. All hooks may be nil.
type Hooks struct {
	OnLine       func(string)
	OnSpawnError func(error) // process could not be launched; no restart follows
	OnCrash      func(error) // unexpected exit; a restart is scheduled
	OnStopped    func()      // terminal: a requested stop has completed
}

// process is one running child, abstracted for tests.
type process interface {
	Output() io.Reader
	Wait() error
	Kill() error
}

// startFunc launches the child and hands back its line stream.
type startFunc func() (process, error)

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (p *execProcess) Output() io.Reader { return p.stdout }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }
func (p *execProcess) Kill() error       { return p.cmd.Process.Kill() }

func execStarter(path string, args []string) startFunc {
	return func() (process, error) {
		cmd := exec.Command(path, args...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &execProcess{cmd: cmd, stdout: stdout}, nil
	}
}

// Supervisor keeps the diagnostic process alive until Stop. It exclusively
// owns the child handle and its output stream; consumers only ever see
// whole lines through Hooks.OnLine.
type Supervisor struct {
	start startFunc
	hooks Hooks
	delay backoff.BackOff

	mu           sync.Mutex
	state        State
	proc         process
	restartTimer *time.Timer
}

// New creates a Supervisor for the given command. Restarts use the fixed
// RestartDelay.
func New(path string, args []string, hooks Hooks) *Supervisor {
	return &Supervisor{
		start: execStarter(path, args),
		hooks: hooks,
		delay: backoff.NewConstantBackOff(RestartDelay),
		state: StateIdle,
	}
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the child process and attaches the line pump. A spawn
// failure is reported through OnSpawnError and leaves the supervisor idle:
// a missing binary will not fix itself, so no restart is scheduled.
func (s *Supervisor) Start() {
	s.delay.Reset()
	s.spawn()
}

func (s *Supervisor) spawn() {
	s.mu.Lock()
	if s.state == StateStopping || s.state == StateStopped {
		s.mu.Unlock()
		return
	}

	proc, err := s.start()
	if err != nil {
		s.state = StateIdle
		s.mu.Unlock()
		slog.Error("supervisor: spawn failed", "error", err)
		if s.hooks.OnSpawnError != nil {
			s.hooks.OnSpawnError(fmt.Errorf("spawning diagnostic process: %w", err))
		}
		return
	}

	s.proc = proc
	s.state = StateRunning
	s.mu.Unlock()

	slog.Info("supervisor: diagnostic process started")
	go s.pump(proc)
}

// pump reads lines until the stream ends, then handles the exit. One pump
// goroutine exists per spawned process; lines are delivered in order.
func (s *Supervisor) pump(proc process) {
	scanner := bufio.NewScanner(proc.Output())
	for scanner.Scan() {
		if s.hooks.OnLine != nil {
			s.hooks.OnLine(scanner.Text())
		}
	}

	waitErr := proc.Wait()
	if scanErr := scanner.Err(); scanErr != nil && waitErr == nil {
		waitErr = scanErr
	}
	s.handleExit(waitErr)
}

func (s *Supervisor) handleExit(waitErr error) {
	s.mu.Lock()
	s.proc = nil

	if s.state == StateStopping || s.state == StateStopped {
		// Exit while a stop was requested: finalize, no restart.
		s.state = StateStopped
		s.mu.Unlock()
		slog.Info("supervisor: diagnostic process stopped")
		if s.hooks.OnStopped != nil {
			s.hooks.OnStopped()
		}
		return
	}

	// Unexpected exit: schedule one restart after the fixed delay.
	s.state = StateWaitingRestart
	s.restartTimer = time.AfterFunc(s.delay.NextBackOff(), s.restartNow)
	s.mu.Unlock()

	err := describeExit(waitErr)
	slog.Warn("supervisor: diagnostic process exited unexpectedly, restart scheduled",
		"error", err,
		"delay", RestartDelay,
	)
	if s.hooks.OnCrash != nil {
		s.hooks.OnCrash(err)
	}
}

func (s *Supervisor) restartNow() {
	s.mu.Lock()
	if s.state != StateWaitingRestart {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.restartTimer = nil
	s.mu.Unlock()

	s.spawn()
}

// Stop requests termination. If the process already does not exist (spawn
// failure, or a restart merely pending) the stop finalizes immediately;
// otherwise the live process is signaled and the exit handler finalizes.
// Calling Stop when already stopped is a no-op; calling it twice while
// running is safe.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	switch s.state {
	case StateStopped, StateStopping:
		s.mu.Unlock()
		return

	case StateRunning:
		s.state = StateStopping
		proc := s.proc
		s.mu.Unlock()
		if err := proc.Kill(); err != nil {
			slog.Warn("supervisor: kill failed", "error", err)
		}
		return

	default:
		// Idle or waiting for a restart: nothing is alive. Cancel any
		// pending restart and finalize right here.
		if s.restartTimer != nil {
			s.restartTimer.Stop()
			s.restartTimer = nil
		}
		s.state = StateStopped
		s.mu.Unlock()
		if s.hooks.OnStopped != nil {
			s.hooks.OnStopped()
		}
	}
}

// describeExit turns a Wait error into a crash description carrying the
// exit code or signal.
func describeExit(waitErr error) error {
	if waitErr == nil {
		return errors.New("diagnostic process exited with status 0")
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return fmt.Errorf("diagnostic process exited: %s", exitErr.ProcessState)
	}
	return fmt.Errorf("diagnostic process failed: %w", waitErr)
}
