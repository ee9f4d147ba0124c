// Package supervisor manages the engine's child processes: dependency
// installs, dev servers, and compile probes. Every child runs in its own
// process group so termination reaches grandchildren (npm spawns node
// spawns esbuild), and every handle is force-terminated at shutdown.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"webforge/internal/logging"
	"webforge/internal/metrics"
)

// Process kinds.
const (
	KindInstall = "install"
	KindServe   = "serve"
	KindProbe   = "probe"
)

var (
	// ErrAlreadyRunning means a live handle exists for the project+kind;
	// callers stop the old process first.
	ErrAlreadyRunning = errors.New("process already running")
	// ErrPortTimeout means the process is alive but never opened its port.
	ErrPortTimeout = errors.New("port wait timed out")
	// ErrExitedEarly means the process died before its port opened.
	ErrExitedEarly = errors.New("process exited before becoming ready")
	// ErrRunTimeout means a run-to-completion command hit its deadline.
	ErrRunTimeout = errors.New("command timed out")
)

// Spec describes a child process to start.
type Spec struct {
	Project string
	Kind    string
	Argv    []string
	Dir     string
	Env     map[string]string
	Port    int
}

type outputLine struct {
	text   string
	stderr bool
}

// Handle is one supervised child process.
type Handle struct {
	Project   string
	Kind      string
	Port      int
	PID       int
	StartedAt time.Time

	cmd         *exec.Cmd
	stopOnce    sync.Once
	stoppedChan chan struct{}
	exitMu      sync.Mutex
	exitErr     error

	outMu    sync.Mutex
	lines    []outputLine
	maxLines int
}

// Stopped returns a channel closed when the process has exited.
func (h *Handle) Stopped() <-chan struct{} { return h.stoppedChan }

// Running reports whether the process is still alive.
func (h *Handle) Running() bool {
	select {
	case <-h.stoppedChan:
		return false
	default:
		return true
	}
}

// ExitError returns the process's exit error once it has stopped.
func (h *Handle) ExitError() error {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	return h.exitErr
}

// URL returns the local address served by this process.
func (h *Handle) URL() string {
	return fmt.Sprintf("http://localhost:%d", h.Port)
}

func (h *Handle) addLine(text string, stderr bool) {
	h.outMu.Lock()
	h.lines = append(h.lines, outputLine{text: text, stderr: stderr})
	if len(h.lines) > h.maxLines {
		h.lines = h.lines[len(h.lines)-h.maxLines:]
	}
	h.outMu.Unlock()
}

// Output returns up to n recent output lines, oldest first.
func (h *Handle) Output(n int) []string {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	start := 0
	if len(h.lines) > n {
		start = len(h.lines) - n
	}
	out := make([]string, 0, len(h.lines)-start)
	for _, l := range h.lines[start:] {
		out = append(out, l.text)
	}
	return out
}

func (h *Handle) stderrLines() []string {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	var out []string
	for _, l := range h.lines {
		if l.stderr {
			out = append(out, l.text)
		}
	}
	return out
}

// Supervisor owns the process table, keyed by project+kind.
type Supervisor struct {
	mu     sync.RWMutex
	procs  map[string]*Handle
	logger *zap.Logger
	m      *metrics.Metrics
}

// New creates a Supervisor.
func New() *Supervisor {
	return &Supervisor{
		procs:  make(map[string]*Handle),
		logger: logging.L(),
		m:      metrics.Get(),
	}
}

func key(project, kind string) string { return project + "/" + kind }

// Get returns the live handle for project+kind, if any.
func (s *Supervisor) Get(project, kind string) (*Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.procs[key(project, kind)]
	if !ok || !h.Running() {
		return nil, false
	}
	return h, true
}

// IsRunning reports whether a live process exists for project+kind.
func (s *Supervisor) IsRunning(project, kind string) bool {
	_, ok := s.Get(project, kind)
	return ok
}

// Running returns every live handle of one kind across all projects.
// Dev servers share a single port, so a new serve has to stop whichever
// project currently holds it.
func (s *Supervisor) Running(kind string) []*Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Handle
	for _, h := range s.procs {
		if h.Kind == kind && h.Running() {
			out = append(out, h)
		}
	}
	return out
}

// Start launches a child process. A live handle for the same
// project+kind is rejected with ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty command for %s/%s", spec.Project, spec.Kind)
	}

	s.mu.Lock()
	if existing, ok := s.procs[key(spec.Project, spec.Kind)]; ok && existing.Running() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrAlreadyRunning, spec.Project, spec.Kind)
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = mergeEnv(spec.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	h := &Handle{
		Project:     spec.Project,
		Kind:        spec.Kind,
		Port:        spec.Port,
		StartedAt:   time.Now(),
		cmd:         cmd,
		stoppedChan: make(chan struct{}),
		maxLines:    1000,
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		s.m.RecordProcessStart(spec.Kind, false)
		return nil, fmt.Errorf("starting %s/%s: %w", spec.Project, spec.Kind, err)
	}
	h.PID = cmd.Process.Pid
	s.procs[key(spec.Project, spec.Kind)] = h
	s.mu.Unlock()

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		captureLines(stdout, h, false)
	}()
	go func() {
		defer pipes.Done()
		captureLines(stderr, h, true)
	}()
	go func() {
		// Drain both pipes before Wait; Wait closes them and would race
		// the scanners out of the tail of the output.
		pipes.Wait()
		err := cmd.Wait()
		h.exitMu.Lock()
		h.exitErr = err
		h.exitMu.Unlock()
		close(h.stoppedChan)
	}()

	s.m.RecordProcessStart(spec.Kind, true)
	s.logger.Info("process started",
		zap.String("project", spec.Project),
		zap.String("kind", spec.Kind),
		zap.Int("pid", h.PID),
		zap.Strings("argv", spec.Argv))
	return h, nil
}

// WaitForPort polls until the handle's port accepts connections.
// A process death surfaces as ErrExitedEarly with recent output attached;
// an expired deadline as ErrPortTimeout.
func (s *Supervisor) WaitForPort(ctx context.Context, h *Handle, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("localhost:%d", h.Port)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stoppedChan:
			return fmt.Errorf("%w: %s", ErrExitedEarly, tail(h.Output(20)))
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
			if err == nil {
				conn.Close()
				return nil
			}
		}
	}
	// One final liveness check: death and deadline can race.
	select {
	case <-h.stoppedChan:
		return fmt.Errorf("%w: %s", ErrExitedEarly, tail(h.Output(20)))
	default:
		return fmt.Errorf("%w: port %d after %s", ErrPortTimeout, h.Port, timeout)
	}
}

// Stop terminates a handle: SIGTERM to the process group, a bounded
// grace wait, then SIGKILL. Idempotent.
func (s *Supervisor) Stop(h *Handle) {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		reason := "stopped"
		if h.Running() {
			syscall.Kill(-h.PID, syscall.SIGTERM)
			select {
			case <-h.stoppedChan:
			case <-time.After(5 * time.Second):
				syscall.Kill(-h.PID, syscall.SIGKILL)
				<-h.stoppedChan
				reason = "killed"
			}
		} else {
			reason = "exited"
		}

		s.mu.Lock()
		if cur, ok := s.procs[key(h.Project, h.Kind)]; ok && cur == h {
			delete(s.procs, key(h.Project, h.Kind))
		}
		s.mu.Unlock()

		s.m.RecordProcessStop(h.Kind, reason)
		s.logger.Info("process stopped",
			zap.String("project", h.Project),
			zap.String("kind", h.Kind),
			zap.Int("pid", h.PID),
			zap.String("reason", reason))
	})
}

// RunOnce executes a run-to-completion command (install, compile probe)
// under the same process-group discipline and returns its combined
// output. The timeout kills the whole group.
func (s *Supervisor) RunOnce(ctx context.Context, spec Spec, timeout time.Duration) (string, error) {
	h, err := s.Start(ctx, spec)
	if err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.stoppedChan:
		out := strings.Join(h.Output(h.maxLines), "\n")
		s.Stop(h) // bookkeeping only; already exited
		if exitErr := h.ExitError(); exitErr != nil {
			return out, fmt.Errorf("%s/%s: %w", spec.Project, spec.Kind, exitErr)
		}
		return out, nil
	case <-ctx.Done():
		s.Stop(h)
		return strings.Join(h.Output(h.maxLines), "\n"), ctx.Err()
	case <-timer.C:
		s.Stop(h)
		return strings.Join(h.Output(h.maxLines), "\n"), fmt.Errorf("%w after %s: %s/%s", ErrRunTimeout, timeout, spec.Project, spec.Kind)
	}
}

// serveErrorMarkers are the compile/runtime failure signatures worth
// surfacing from a dev server's stderr.
var serveErrorMarkers = []string{
	"Error", "error", "SyntaxError", "ReferenceError", "TypeError",
	"Cannot find", "is not defined", "failed", "plugin:vite",
}

// ScanServeErrors returns the serve process's recent stderr lines that
// look like compile or runtime errors (at most 40).
func (s *Supervisor) ScanServeErrors(project string) []string {
	h, ok := s.Get(project, KindServe)
	if !ok {
		return nil
	}
	var hits []string
	for _, line := range h.stderrLines() {
		for _, marker := range serveErrorMarkers {
			if strings.Contains(line, marker) {
				hits = append(hits, line)
				break
			}
		}
	}
	if len(hits) > 40 {
		hits = hits[len(hits)-40:]
	}
	return hits
}

// StopAll force-terminates every tracked process. Called at shutdown;
// nothing may outlive the supervisor.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			s.Stop(h)
		}(h)
	}
	wg.Wait()
}

func captureLines(pipe io.Reader, h *Handle, stderr bool) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		h.addLine(scanner.Text(), stderr)
	}
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func tail(lines []string) string {
	return strings.Join(lines, "\n")
}
