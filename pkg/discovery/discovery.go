package discovery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"streamd/pkg/protocol"

	"github.com/charmbracelet/log"
)

// Sentinel errors.
var (
	// ErrLostRace means another live process claimed the project between our
	// discovery and our claim.
	ErrLostRace = errors.New("another server claimed the project first")
	// ErrNoPort means no port in the configured range could be bound.
	ErrNoPort = errors.New("no free port in range")
	// ErrNotServing means the lock names a process that does not answer on
	// its recorded port, so it is not signalled.
	ErrNotServing = errors.New("lock owner is not serving")
)

// DefaultMaxClaimAttempts bounds Acquire's discover+claim retries.
const DefaultMaxClaimAttempts = 5

// Options configures a Manager.
type Options struct {
	LockPath    string
	ProjectRoot string
	ProjectName string
	Host        string // default 127.0.0.1
	PortBase    int
	PortSpan    int
	// Port, when non-zero, pins the port and disables probing.
	Port        int
	MaxAttempts int
	Logger      *log.Logger
}

// Discovery is the outcome of reading the lock.
type Discovery struct {
	Existing bool                 `json:"existing"`
	Port     int                  `json:"port"`
	Lock     *protocol.LockRecord `json:"lock,omitempty"`
	Stale    bool                 `json:"stale"`
}

// Manager discovers and claims the per-project server slot.
type Manager struct {
	opts    Options
	pid     int
	nowFunc func() time.Time
	logger  *log.Logger
}

// NewManager fills defaults and returns a Manager for the current process.
func NewManager(opts Options) *Manager {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.PortBase <= 0 {
		opts.PortBase = protocol.DefaultPortBase
	}
	if opts.PortSpan <= 0 {
		opts.PortSpan = protocol.DefaultPortSpan
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxClaimAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Manager{opts: opts, pid: os.Getpid(), nowFunc: time.Now, logger: logger}
}

// LockPath returns the lock record path.
func (m *Manager) LockPath() string { return m.opts.LockPath }

// SelectPort maps a project deterministically into [base, base+span).
func SelectPort(projectRoot, projectName string, base, span int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectRoot + "\x00" + projectName))
	return base + int(h.Sum32()%uint32(span)) //nolint:gosec // span is small and positive
}

// ownsProject reports whether rec names a live server for this project.
func (m *Manager) ownsProject(rec *protocol.LockRecord) bool {
	return rec != nil && rec.SameProject(m.opts.ProjectRoot, m.opts.ProjectName) && liveAt(rec, m.dialHost())
}

// dialHost is where a server bound to opts.Host can be reached locally.
func (m *Manager) dialHost() string {
	switch m.opts.Host {
	case "", "0.0.0.0", "::":
		return loopback
	}
	return m.opts.Host
}

// Discover reads the lock. A live lock for this project yields
// Existing=true and its port; otherwise a bindable port is chosen.
func (m *Manager) Discover() (*Discovery, error) {
	rec, err := ReadLock(m.opts.LockPath)
	switch {
	case err == nil:
		if m.ownsProject(rec) {
			return &Discovery{Existing: true, Port: rec.Port, Lock: rec}, nil
		}
	case errors.Is(err, os.ErrNotExist):
		rec = nil
	default:
		m.logger.Warn("discovery: unreadable lock treated as stale", "path", m.opts.LockPath, "err", err)
		rec = nil
	}

	d := &Discovery{Lock: rec, Stale: rec != nil && !liveAt(rec, m.dialHost())}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		d.Stale = true
	}
	port, err := m.freePort()
	if err != nil {
		return d, err
	}
	d.Port = port
	return d, nil
}

// freePort walks from the project's preferred port through the range.
func (m *Manager) freePort() (int, error) {
	if m.opts.Port > 0 {
		return m.opts.Port, nil
	}
	start := SelectPort(m.opts.ProjectRoot, m.opts.ProjectName, m.opts.PortBase, m.opts.PortSpan)
	off := start - m.opts.PortBase
	for i := range m.opts.PortSpan {
		port := m.opts.PortBase + (off+i)%m.opts.PortSpan
		ln, err := net.Listen("tcp", m.addr(port))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, ErrNoPort
}

func (m *Manager) addr(port int) string {
	return net.JoinHostPort(m.opts.Host, strconv.Itoa(port))
}

// Claim is a held server slot: the bound listener and the record written.
type Claim struct {
	Listener net.Listener
	Record   *protocol.LockRecord
	lockPath string
	pid      int
}

// bindError marks a failed listen so Acquire can move on to another port.
type bindError struct{ err error }

func (e *bindError) Error() string { return e.err.Error() }
func (e *bindError) Unwrap() error { return e.err }

// Claim binds port and writes the lock record under an exclusive flock.
// If a live same-project lock owned by another process appeared since
// Discover, it returns ErrLostRace without binding.
func (m *Manager) Claim(ctx context.Context, port int) (*Claim, error) {
	if err := os.MkdirAll(filepath.Dir(m.opts.LockPath), 0o755); err != nil {
		return nil, fmt.Errorf("claim: create lock dir: %w", err)
	}
	unlock, err := lockExclusive(ctx, m.opts.LockPath+".flock")
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	defer unlock()

	if rec, err := ReadLock(m.opts.LockPath); err == nil && rec.PID != m.pid && m.ownsProject(rec) {
		return nil, ErrLostRace
	}

	ln, err := net.Listen("tcp", m.addr(port))
	if err != nil {
		return nil, &bindError{err: fmt.Errorf("bind %s: %w", m.addr(port), err)}
	}

	rec := &protocol.LockRecord{
		PID:            m.pid,
		Port:           ln.Addr().(*net.TCPAddr).Port,
		ProjectRoot:    m.opts.ProjectRoot,
		ProjectName:    m.opts.ProjectName,
		StartedAt:      m.nowFunc().UTC(),
		RuntimeVersion: runtime.Version(),
	}
	if err := WriteLock(m.opts.LockPath, rec); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("claim: %w", err)
	}
	m.logger.Info("discovery: claimed server slot", "port", rec.Port, "lock", m.opts.LockPath)
	return &Claim{Listener: ln, Record: rec, lockPath: m.opts.LockPath, pid: m.pid}, nil
}

// Release removes the lock record if it still names this process. The
// listener is left to its server's shutdown.
func (c *Claim) Release() error {
	rec, err := ReadLock(c.lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if rec.PID != c.pid {
		return nil
	}
	return RemoveLock(c.lockPath)
}

// Acquire discovers and, if no live server exists, claims a slot. It returns
// a nil Claim with Existing=true when another process already serves the
// project, including when that process won a concurrent race.
func (m *Manager) Acquire(ctx context.Context) (*Discovery, *Claim, error) {
	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		d, err := m.Discover()
		if err != nil {
			return d, nil, fmt.Errorf("acquire: %w", err)
		}
		if d.Existing {
			return d, nil, nil
		}

		c, err := m.Claim(ctx, d.Port)
		if err == nil {
			d.Port = c.Record.Port
			d.Lock = c.Record
			return d, c, nil
		}
		var be *bindError
		switch {
		case errors.Is(err, ErrLostRace):
			m.logger.Info("discovery: lost claim race, deferring to winner", "attempt", attempt)
		case errors.As(err, &be):
			m.logger.Warn("discovery: bind failed, retrying", "port", d.Port, "attempt", attempt, "err", err)
			if m.opts.Port > 0 {
				return nil, nil, fmt.Errorf("acquire: %w", err)
			}
		default:
			return nil, nil, fmt.Errorf("acquire: %w", err)
		}
		lastErr = err
	}
	return nil, nil, fmt.Errorf("acquire: gave up after %d attempts: %w", m.opts.MaxAttempts, lastErr)
}

// ServerState is the liveness of the recorded server.
type ServerState string

// Server states.
const (
	StateRunning ServerState = "running"
	StateStopped ServerState = "stopped"
	StateStale   ServerState = "stale"
)

// Status reads the lock at path and reports whether its owner is alive and
// answering on its recorded port.
func Status(path string) (ServerState, *protocol.LockRecord, error) {
	rec, err := ReadLock(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StateStopped, nil, nil
		}
		return StateStopped, nil, fmt.Errorf("server status: %w", err)
	}
	if Live(rec) {
		return StateRunning, rec, nil
	}
	return StateStale, rec, nil
}

// Stop sends SIGTERM to the process named by the lock at path. It returns
// ErrNotServing without signalling when that process does not answer on the
// recorded port, so a recycled pid is never killed.
func Stop(path string) (*protocol.LockRecord, error) {
	rec, err := ReadLock(path)
	if err != nil {
		return nil, fmt.Errorf("stop server: %w", err)
	}
	if !Live(rec) {
		return rec, fmt.Errorf("stop server PID %d: %w", rec.PID, ErrNotServing)
	}
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return rec, fmt.Errorf("find process %d: %w", rec.PID, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return rec, fmt.Errorf("send SIGTERM to PID %d: %w", rec.PID, err)
	}
	return rec, nil
}
