package supervisor

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout  = 5 * time.Second
	pollInterval = 10 * time.Millisecond
)

// crashingProc emits its lines, then exits with the given error.
func crashingProc(lines string, exitErr error) process {
	waitCh := make(chan error, 1)
	waitCh <- exitErr
	return &scriptedProc{out: strings.NewReader(lines), waitCh: waitCh}
}

// longRunningProc blocks until killed.
func longRunningProc(exitErr error) *scriptedProc {
	pr, pw := io.Pipe()
	return &scriptedProc{out: pr, pw: pw, waitCh: make(chan error, 1), exitErr: exitErr}
}

type scriptedProc struct {
	out     io.Reader
	pw      *io.PipeWriter
	waitCh  chan error
	exitErr error
	once    sync.Once
}

func (p *scriptedProc) Output() io.Reader { return p.out }
func (p *scriptedProc) Wait() error       { return <-p.waitCh }

func (p *scriptedProc) Kill() error {
	p.once.Do(func() {
		if p.pw != nil {
			_ = p.pw.Close()
		}
		p.waitCh <- p.exitErr
	})
	return nil
}

// recorder collects hook invocations thread-safely.
type recorder struct {
	mu          sync.Mutex
	lines       []string
	spawnErrs   []error
	crashes     []error
	stoppedHits int
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnLine:       func(l string) { r.mu.Lock(); r.lines = append(r.lines, l); r.mu.Unlock() },
		OnSpawnError: func(e error) { r.mu.Lock(); r.spawnErrs = append(r.spawnErrs, e); r.mu.Unlock() },
		OnCrash:      func(e error) { r.mu.Lock(); r.crashes = append(r.crashes, e); r.mu.Unlock() },
		OnStopped:    func() { r.mu.Lock(); r.stoppedHits++; r.mu.Unlock() },
	}
}

func (r *recorder) lineCount() int    { r.mu.Lock(); defer r.mu.Unlock(); return len(r.lines) }
func (r *recorder) crashCount() int   { r.mu.Lock(); defer r.mu.Unlock(); return len(r.crashes) }
func (r *recorder) stoppedCount() int { r.mu.Lock(); defer r.mu.Unlock(); return r.stoppedHits }

// newTestSupervisor wires a Supervisor to a scripted starter with a short
// restart delay.
func newTestSupervisor(rec *recorder, start startFunc, delay time.Duration) *Supervisor {
	s := &Supervisor{
		start: start,
		hooks: rec.hooks(),
		delay: backoff.NewConstantBackOff(delay),
		state: StateIdle,
	}
	return s
}

func TestSupervisor_DeliversLinesInOrder(t *testing.T) {
	rec := &recorder{}
	spawns := 0
	var mu sync.Mutex

	s := newTestSupervisor(rec, func() (process, error) {
		mu.Lock()
		defer mu.Unlock()
		spawns++
		if spawns == 1 {
			return crashingProc("one\ntwo\nthree\n", errors.New("exit status 1")), nil
		}
		return longRunningProc(nil), nil
	}, 10*time.Millisecond)

	s.Start()

	require.Eventually(t, func() bool { return rec.lineCount() == 3 }, waitTimeout, pollInterval)
	rec.mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, rec.lines)
	rec.mu.Unlock()

	s.Stop()
}

func TestSupervisor_CrashSchedulesOneRestart(t *testing.T) {
	rec := &recorder{}
	spawns := 0
	var mu sync.Mutex

	s := newTestSupervisor(rec, func() (process, error) {
		mu.Lock()
		defer mu.Unlock()
		spawns++
		if spawns == 1 {
			return crashingProc("", errors.New("exit status 9")), nil
		}
		return longRunningProc(nil), nil
	}, 10*time.Millisecond)

	s.Start()

	// Exactly one crash report and one respawn.
	require.Eventually(t, func() bool { return s.State() == StateRunning }, waitTimeout, pollInterval)
	assert.Equal(t, 1, rec.crashCount())
	mu.Lock()
	assert.Equal(t, 2, spawns)
	mu.Unlock()

	s.Stop()
	require.Eventually(t, func() bool { return rec.stoppedCount() == 1 }, waitTimeout, pollInterval)
}

func TestSupervisor_SpawnErrorNoRestart(t *testing.T) {
	rec := &recorder{}
	spawns := 0

	s := newTestSupervisor(rec, func() (process, error) {
		spawns++
		return nil, errors.New("no such file")
	}, 10*time.Millisecond)

	s.Start()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.spawnErrs) == 1
	}, waitTimeout, pollInterval)

	// Give a would-be restart a chance to happen — it must not.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, spawns)
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, rec.crashCount())
}

func TestSupervisor_StopWhileRunningFinalizesOnExit(t *testing.T) {
	rec := &recorder{}
	proc := longRunningProc(errors.New("signal: killed"))

	s := newTestSupervisor(rec, func() (process, error) { return proc, nil }, 10*time.Millisecond)
	s.Start()
	require.Eventually(t, func() bool { return s.State() == StateRunning }, waitTimeout, pollInterval)

	s.Stop()

	require.Eventually(t, func() bool { return rec.stoppedCount() == 1 }, waitTimeout, pollInterval)
	assert.Equal(t, StateStopped, s.State())
	// An exit caused by our own stop is not a crash.
	assert.Zero(t, rec.crashCount())
}

func TestSupervisor_StopCancelsPendingRestart(t *testing.T) {
	rec := &recorder{}
	spawns := 0
	var mu sync.Mutex

	s := newTestSupervisor(rec, func() (process, error) {
		mu.Lock()
		defer mu.Unlock()
		spawns++
		return crashingProc("", errors.New("exit status 1")), nil
	}, time.Hour) // restart far in the future

	s.Start()
	require.Eventually(t, func() bool { return s.State() == StateWaitingRestart }, waitTimeout, pollInterval)

	s.Stop()

	require.Eventually(t, func() bool { return rec.stoppedCount() == 1 }, waitTimeout, pollInterval)
	assert.Equal(t, StateStopped, s.State())
	mu.Lock()
	assert.Equal(t, 1, spawns, "pending restart must be canceled")
	mu.Unlock()
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	rec := &recorder{}
	proc := longRunningProc(nil)

	s := newTestSupervisor(rec, func() (process, error) { return proc, nil }, 10*time.Millisecond)
	s.Start()
	require.Eventually(t, func() bool { return s.State() == StateRunning }, waitTimeout, pollInterval)

	s.Stop()
	s.Stop() // second call while stopping: no effect

	require.Eventually(t, func() bool { return s.State() == StateStopped }, waitTimeout, pollInterval)

	s.Stop() // already stopped: no-op, never panics
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.stoppedCount())
}

func TestDescribeExit(t *testing.T) {
	assert.ErrorContains(t, describeExit(nil), "status 0")
	assert.ErrorContains(t, describeExit(errors.New("broken pipe")), "broken pipe")
}
