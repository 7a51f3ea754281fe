// Package threads manages long-lived interactive sessions hosted in
// tmux. Each session pipes its pane output to a log file; callers poll
// output deltas by byte offset, so the session survives both relay and
// VM server restarts.
package threads

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/textslash/cockpit/internal/config"
	"github.com/textslash/cockpit/internal/observability"
	"github.com/textslash/cockpit/internal/storage"
	"github.com/textslash/cockpit/pkg/models"
)

// sessionPrefix namespaces our tmux sessions so reconciliation never
// touches sessions a human started by hand.
const sessionPrefix = "cockpit-"

type session struct {
	threadID   string
	kind       models.ThreadKind
	workingDir string
	command    string
	logPath    string
	createdAt  time.Time
}

func (s *session) tmuxName() string {
	return sessionPrefix + s.threadID
}

// Manager owns the resident session population. Session metadata is
// persisted so the registry outlives the server process.
type Manager struct {
	cfg     config.ThreadsConfig
	root    string
	tmux    Tmux
	db      *storage.Store
	metrics *observability.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a session manager. root bounds where sessions may
// run; metrics may be nil.
func NewManager(cfg config.ThreadsConfig, root string, tmux Tmux, db *storage.Store, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		root:     root,
		tmux:     tmux,
		db:       db,
		metrics:  metrics,
		logger:   logger.With("component", "threads"),
		sessions: make(map[string]*session),
	}
}

// Create starts a new detached session for req.ThreadID.
func (m *Manager) Create(ctx context.Context, req models.ThreadCreateRequest) (*models.ThreadInfo, error) {
	if req.ThreadID == "" {
		return nil, models.NewError(models.ErrBadRequest, "thread_id is required")
	}
	if req.Kind != models.ThreadTerminal && req.Kind != models.ThreadAgent {
		return nil, models.NewError(models.ErrBadRequest, "kind must be terminal or agent")
	}

	dir, err := m.containedDir(req.WorkingDir)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.sessions[req.ThreadID]; exists {
		m.mu.Unlock()
		return nil, models.NewError(models.ErrBadRequest, "thread %s already exists", req.ThreadID)
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, models.NewError(models.ErrThreadLimit, "session limit of %d reached; kill one first", m.cfg.MaxSessions)
	}
	s := &session{
		threadID:   req.ThreadID,
		kind:       req.Kind,
		workingDir: dir,
		command:    req.Command,
		logPath:    filepath.Join(m.cfg.LogDir, sessionPrefix+req.ThreadID+".log"),
		createdAt:  time.Now(),
	}
	m.sessions[req.ThreadID] = s
	m.mu.Unlock()

	if err := m.startSession(ctx, s); err != nil {
		m.mu.Lock()
		delete(m.sessions, req.ThreadID)
		m.mu.Unlock()
		return nil, models.NewError(models.ErrExecution, "start session: %v", err)
	}

	if err := m.db.InsertThread(storage.ThreadRecord{
		ThreadID:   s.threadID,
		Kind:       string(s.kind),
		WorkingDir: s.workingDir,
		Command:    s.command,
		LogPath:    s.logPath,
		CreatedAt:  s.createdAt,
	}); err != nil {
		m.logger.Error("persist thread record", "thread_id", s.threadID, "error", err)
	}

	m.gaugeSessions()
	m.logger.Info("session created", "thread_id", s.threadID, "kind", s.kind, "dir", s.workingDir)
	info := m.info(ctx, s)
	return &info, nil
}

func (m *Manager) startSession(ctx context.Context, s *session) error {
	args := []string{"new-session", "-d", "-s", s.tmuxName(), "-c", s.workingDir}
	if s.command != "" {
		args = append(args, s.command)
	}
	if _, err := m.tmux.Exec(ctx, args...); err != nil {
		return err
	}
	// remain-on-exit keeps the dead pane around so the exit status and
	// final output stay observable until kill.
	if _, err := m.tmux.Exec(ctx, "set-option", "-t", s.tmuxName(), "remain-on-exit", "on"); err != nil {
		return err
	}
	if _, err := m.tmux.Exec(ctx, "pipe-pane", "-o", "-t", s.tmuxName(), "cat >> "+s.logPath); err != nil {
		return err
	}
	return nil
}

// SendInput delivers text to a session. Terminal sessions get the keys
// verbatim. Agent sessions whose hosted agent has finished get a fresh
// continuation invocation carrying the text instead.
func (m *Manager) SendInput(ctx context.Context, threadID, text string) error {
	s, err := m.lookup(threadID)
	if err != nil {
		return err
	}

	if s.kind == models.ThreadAgent {
		running, err := m.agentRunning(ctx, s)
		if err != nil {
			return err
		}
		if !running {
			invocation := fmt.Sprintf("%s %s", m.cfg.AgentCommand, shellQuote(text))
			_, err := m.tmux.Exec(ctx, "send-keys", "-t", s.tmuxName(), invocation, "Enter")
			return err
		}
	}

	_, err = m.tmux.Exec(ctx, "send-keys", "-t", s.tmuxName(), text, "Enter")
	return err
}

// Output returns the log delta past offset since, plus liveness.
func (m *Manager) Output(ctx context.Context, threadID string, since int64) (*models.ThreadOutput, error) {
	s, err := m.lookup(threadID)
	if err != nil {
		return nil, err
	}

	delta, offset, err := readSince(s.logPath, since)
	if err != nil {
		return nil, models.NewError(models.ErrExecution, "read session log: %v", err)
	}

	running, exitCode := m.liveness(ctx, s)
	return &models.ThreadOutput{
		Output:   delta,
		Offset:   offset,
		Running:  running,
		ExitCode: exitCode,
	}, nil
}

// Kill removes a session and its log file.
func (m *Manager) Kill(ctx context.Context, threadID string) error {
	s, err := m.lookup(threadID)
	if err != nil {
		return err
	}

	if _, err := m.tmux.Exec(ctx, "kill-session", "-t", s.tmuxName()); err != nil {
		m.logger.Warn("kill-session failed", "thread_id", threadID, "error", err)
	}
	os.Remove(s.logPath)

	m.mu.Lock()
	delete(m.sessions, threadID)
	m.mu.Unlock()

	if err := m.db.DeleteThread(threadID); err != nil {
		m.logger.Warn("drop thread record", "thread_id", threadID, "error", err)
	}

	m.gaugeSessions()
	m.logger.Info("session killed", "thread_id", threadID)
	return nil
}

// List returns all resident sessions with current liveness.
func (m *Manager) List(ctx context.Context) models.ThreadList {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	list := models.ThreadList{Threads: make([]models.ThreadInfo, 0, len(all))}
	for _, s := range all {
		list.Threads = append(list.Threads, m.info(ctx, s))
	}
	return list
}

// Reconcile rebuilds the registry from persisted records and the live
// tmux server. Call once at startup: recorded sessions still alive are
// adopted, records whose session died with the host are dropped, and
// cockpit sessions nothing recorded are killed.
func (m *Manager) Reconcile(ctx context.Context) {
	live := make(map[string]bool)
	if out, err := m.tmux.Exec(ctx, "list-sessions", "-F", "#{session_name}"); err == nil {
		for _, name := range strings.Split(out, "\n") {
			if name = strings.TrimSpace(name); name != "" {
				live[name] = true
			}
		}
	}

	records, err := m.db.ListThreads()
	if err != nil {
		m.logger.Error("load thread records", "error", err)
	}

	recorded := make(map[string]bool, len(records))
	for _, rec := range records {
		name := sessionPrefix + rec.ThreadID
		recorded[name] = true
		if !live[name] {
			if err := m.db.DeleteThread(rec.ThreadID); err != nil {
				m.logger.Warn("drop dead thread record", "thread_id", rec.ThreadID, "error", err)
			}
			os.Remove(rec.LogPath)
			m.logger.Info("dropped dead session record", "thread_id", rec.ThreadID)
			continue
		}
		m.mu.Lock()
		m.sessions[rec.ThreadID] = &session{
			threadID:   rec.ThreadID,
			kind:       models.ThreadKind(rec.Kind),
			workingDir: rec.WorkingDir,
			command:    rec.Command,
			logPath:    rec.LogPath,
			createdAt:  rec.CreatedAt,
		}
		m.mu.Unlock()
		m.logger.Info("session adopted", "thread_id", rec.ThreadID)
	}

	for name := range live {
		if !strings.HasPrefix(name, sessionPrefix) || recorded[name] {
			continue
		}
		if _, err := m.tmux.Exec(ctx, "kill-session", "-t", name); err != nil {
			m.logger.Warn("stale session kill failed", "session", name, "error", err)
			continue
		}
		os.Remove(filepath.Join(m.cfg.LogDir, name+".log"))
		m.logger.Info("reclaimed stale session", "session", name)
	}

	m.gaugeSessions()
}

func (m *Manager) lookup(threadID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[threadID]
	if !ok {
		return nil, models.NewError(models.ErrGone, "no thread %s", threadID)
	}
	return s, nil
}

// liveness queries pane_dead and pane_dead_status for a session.
func (m *Manager) liveness(ctx context.Context, s *session) (running bool, exitCode *int) {
	out, err := m.tmux.Exec(ctx, "display-message", "-p", "-t", s.tmuxName(), "#{pane_dead} #{pane_dead_status}")
	if err != nil {
		return false, nil
	}
	fields := strings.Fields(out)
	if len(fields) == 0 || fields[0] != "1" {
		return true, nil
	}
	if len(fields) > 1 {
		if code, err := strconv.Atoi(fields[1]); err == nil {
			return false, &code
		}
	}
	return false, nil
}

// agentRunning reports whether the pane is still executing something
// beyond its login shell.
func (m *Manager) agentRunning(ctx context.Context, s *session) (bool, error) {
	out, err := m.tmux.Exec(ctx, "display-message", "-p", "-t", s.tmuxName(), "#{pane_current_command}")
	if err != nil {
		return false, models.NewError(models.ErrExecution, "query session: %v", err)
	}
	switch filepath.Base(strings.TrimSpace(out)) {
	case "bash", "zsh", "sh", "fish", "":
		return false, nil
	}
	return true, nil
}

func (m *Manager) info(ctx context.Context, s *session) models.ThreadInfo {
	running, exitCode := m.liveness(ctx, s)
	return models.ThreadInfo{
		ThreadID:   s.threadID,
		Kind:       s.kind,
		WorkingDir: s.workingDir,
		Command:    s.command,
		CreatedAt:  s.createdAt,
		Running:    running,
		ExitCode:   exitCode,
	}
}

// containedDir resolves dir against the permitted root and rejects
// anything that escapes it or does not exist as a directory.
func (m *Manager) containedDir(dir string) (string, error) {
	if dir == "" {
		return m.root, nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(m.root, dir)
	}
	dir = filepath.Clean(dir)

	rel, err := filepath.Rel(m.root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", models.NewError(models.ErrBadRequest, "working_dir must stay under %s", m.root)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", models.NewError(models.ErrBadRequest, "working_dir %s does not exist", dir)
	}
	return dir, nil
}

func (m *Manager) gaugeSessions() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	n := len(m.sessions)
	m.mu.Unlock()
	m.metrics.ThreadSessions.Set(float64(n))
}

// readSince returns the bytes of path past offset since and the new
// absolute offset. A shrunken file (rotated log) restarts from zero.
func readSince(path string, since int64) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, nil
		}
		return "", 0, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	size := stat.Size()
	if since > size {
		since = 0
	}
	if since == size {
		return "", size, nil
	}

	buf := make([]byte, size-since)
	if _, err := f.ReadAt(buf, since); err != nil {
		return "", 0, err
	}
	return string(buf), size, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
