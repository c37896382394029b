// Package launcher runs the ComfyUI server as a child process and waits for
// it to answer health probes.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"relightd/internal/comfy"
	"relightd/internal/events"
)

// ErrNotReady is returned when the server did not pass a health probe within
// the configured number of retries.
var ErrNotReady = errors.New("comfy server not ready")

// ExitError reports that the process died before becoming ready.
type ExitError struct {
	Err        error
	StderrTail string
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "comfy server exited before ready"
	}
	if e.StderrTail == "" {
		return fmt.Sprintf("comfy server exited early: %v", e.Err)
	}
	return fmt.Sprintf("comfy server exited early: %v; stderr tail: %s", e.Err, e.StderrTail)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Config describes how to spawn the server.
type Config struct {
	Python     string
	MainScript string
	WorkDir    string
	Host       string
	Port       int
	ExtraArgs  []string
	// ReadyRetries bounds health probes; ReadyInterval spaces them.
	ReadyRetries  int
	ReadyInterval time.Duration
	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration
	// StopGrace is how long Stop waits after SIGTERM before killing.
	StopGrace time.Duration
}

// DefaultConfig matches the container layout the service ships in.
func DefaultConfig() Config {
	return Config{
		Python:        "python",
		MainScript:    "/comfyui/main.py",
		Host:          "127.0.0.1",
		Port:          8188,
		ReadyRetries:  500,
		ReadyInterval: 100 * time.Millisecond,
		ProbeTimeout:  time.Second,
		StopGrace:     5 * time.Second,
	}
}

// Launcher owns one server process.
type Launcher struct {
	cfg       Config
	log       zerolog.Logger
	publisher events.Publisher

	mu      sync.Mutex
	cmd     *exec.Cmd
	baseURL string
	ready   bool
	exited  chan struct{}
	waitErr error
	stderr  *tailBuffer
}

func New(cfg Config, log zerolog.Logger, pub events.Publisher) *Launcher {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = def.Host
	}
	if cfg.ReadyRetries <= 0 {
		cfg.ReadyRetries = def.ReadyRetries
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = def.ReadyInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	return &Launcher{cfg: cfg, log: log, publisher: events.OrNoop(pub)}
}

// Args returns the command line passed to the interpreter for port.
func (l *Launcher) Args(port int) []string {
	args := []string{
		"-u", l.cfg.MainScript,
		"--disable-auto-launch",
		"--disable-metadata",
		"--listen", l.cfg.Host,
		"--port", strconv.Itoa(port),
	}
	return append(args, l.cfg.ExtraArgs...)
}

// Start spawns the server and blocks until it is healthy, it exits, ctx
// ends, or the retry budget is spent. Any failure leaves no process behind.
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.cmd != nil {
		l.mu.Unlock()
		return errors.New("launcher already started")
	}
	l.mu.Unlock()

	port := l.cfg.Port
	if port == 0 {
		p, err := pickFreePort(l.cfg.Host)
		if err != nil {
			return err
		}
		port = p
	}
	baseURL := "http://" + net.JoinHostPort(l.cfg.Host, strconv.Itoa(port))
	client, err := comfy.New(baseURL, comfy.WithRequestTimeout(l.cfg.ProbeTimeout), comfy.WithLogger(l.log))
	if err != nil {
		return err
	}

	cmd := exec.Command(l.cfg.Python, l.Args(port)...)
	cmd.Dir = l.cfg.WorkDir
	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start comfy server: %w", err)
	}
	pid := cmd.Process.Pid
	l.log.Info().Int("pid", pid).Str("url", baseURL).Msg("comfy server started")
	l.publisher.Publish(events.Event{Name: "spawn_start", Subject: baseURL, Fields: map[string]any{"pid": pid}})

	exited := make(chan struct{})
	l.mu.Lock()
	l.cmd, l.baseURL, l.exited, l.stderr = cmd, baseURL, exited, stderr
	l.mu.Unlock()
	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		l.waitErr = err
		l.ready = false
		l.mu.Unlock()
		close(exited)
	}()

	if err := l.waitReady(ctx, client, exited); err != nil {
		var ee *ExitError
		if errors.As(err, &ee) {
			l.log.Error().Int("pid", pid).Err(ee.Err).Str("stderr_tail", ee.StderrTail).Msg("comfy server exited before ready")
			l.publisher.Publish(events.Event{Name: "spawn_exit", Subject: baseURL, Fields: map[string]any{"pid": pid, "before_ready": true}})
		} else {
			l.log.Error().Int("pid", pid).Err(err).Msg("comfy server not ready")
			l.publisher.Publish(events.Event{Name: "spawn_timeout", Subject: baseURL, Fields: map[string]any{"pid": pid}})
		}
		_ = l.Stop()
		return err
	}
	l.mu.Lock()
	l.ready = true
	l.mu.Unlock()
	l.log.Info().Int("pid", pid).Str("url", baseURL).Msg("comfy server ready")
	l.publisher.Publish(events.Event{Name: "spawn_ready", Subject: baseURL, Fields: map[string]any{"pid": pid}})
	return nil
}

// waitReady probes health every ReadyInterval. Probe errors only mean "not
// yet".
func (l *Launcher) waitReady(ctx context.Context, client *comfy.Client, exited <-chan struct{}) error {
	ticker := time.NewTicker(l.cfg.ReadyInterval)
	defer ticker.Stop()
	for attempt := 1; ; attempt++ {
		select {
		case <-exited:
			return l.exitErr()
		default:
		}
		if err := client.Health(ctx); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else if attempt%50 == 0 {
			l.log.Debug().Int("attempt", attempt).Err(err).Msg("waiting for comfy server")
		}
		if attempt >= l.cfg.ReadyRetries {
			return fmt.Errorf("%w after %d probes", ErrNotReady, attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return l.exitErr()
		case <-ticker.C:
		}
	}
}

func (l *Launcher) exitErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &ExitError{Err: l.waitErr, StderrTail: l.stderr.String()}
}

// Stop sends SIGTERM and kills the process if it has not exited after
// StopGrace. Calling Stop without a running process is a no-op.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	cmd, exited, baseURL := l.cmd, l.exited, l.baseURL
	l.ready = false
	l.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(l.cfg.StopGrace):
		l.log.Warn().Int("pid", cmd.Process.Pid).Msg("comfy server ignored SIGTERM, killing")
		_ = cmd.Process.Kill()
		<-exited
	}
	l.publisher.Publish(events.Event{Name: "spawn_stop", Subject: baseURL, Fields: map[string]any{"pid": cmd.Process.Pid}})
	return nil
}

// Ready reports whether the server passed its health probe and is still
// running.
func (l *Launcher) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// BaseURL returns the server root once started.
func (l *Launcher) BaseURL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baseURL
}

// PID returns the process id, or 0.
func (l *Launcher) PID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil || l.cmd.Process == nil {
		return 0
	}
	return l.cmd.Process.Pid
}

// Exited is closed when the process ends. Nil before Start.
func (l *Launcher) Exited() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exited
}

func pickFreePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
