package threads

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/textslash/cockpit/internal/config"
	"github.com/textslash/cockpit/internal/storage"
	"github.com/textslash/cockpit/pkg/models"
)

// fakeTmux records invocations and answers display/list queries from a
// canned table.
type fakeTmux struct {
	calls     [][]string
	responses map[string]string // keyed by subcommand
	failOn    string
}

func (f *fakeTmux) Exec(ctx context.Context, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if f.failOn != "" && args[0] == f.failOn {
		return "", errors.New("tmux failed")
	}
	if resp, ok := f.responses[args[0]]; ok {
		return resp, nil
	}
	return "", nil
}

func (f *fakeTmux) commandsRun(sub string) [][]string {
	var out [][]string
	for _, c := range f.calls {
		if c[0] == sub {
			out = append(out, c)
		}
	}
	return out
}

func newTestManager(t *testing.T, tmux *fakeTmux) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	cfg := config.ThreadsConfig{
		MaxSessions:  2,
		LogDir:       t.TempDir(),
		AgentCommand: "agent --continue",
	}
	return NewManager(cfg, root, tmux, db, nil, slog.New(slog.DiscardHandler)), root
}

func TestCreate(t *testing.T) {
	tmux := &fakeTmux{responses: map[string]string{"display-message": "0"}}
	m, root := newTestManager(t, tmux)

	info, err := m.Create(context.Background(), models.ThreadCreateRequest{
		ThreadID: "t1",
		Kind:     models.ThreadTerminal,
		Command:  "htop",
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.ThreadID != "t1" || !info.Running {
		t.Errorf("info = %+v", info)
	}
	if info.WorkingDir != root {
		t.Errorf("WorkingDir = %q, want root", info.WorkingDir)
	}

	news := tmux.commandsRun("new-session")
	if len(news) != 1 {
		t.Fatalf("new-session calls = %d", len(news))
	}
	joined := strings.Join(news[0], " ")
	if !strings.Contains(joined, "cockpit-t1") || !strings.Contains(joined, "htop") {
		t.Errorf("new-session args = %q", joined)
	}
	if len(tmux.commandsRun("pipe-pane")) != 1 {
		t.Error("pipe-pane not set up")
	}
}

func TestCreate_Validation(t *testing.T) {
	m, _ := newTestManager(t, &fakeTmux{})
	ctx := context.Background()

	cases := []models.ThreadCreateRequest{
		{ThreadID: "", Kind: models.ThreadTerminal},
		{ThreadID: "t1", Kind: "weird"},
		{ThreadID: "t1", Kind: models.ThreadTerminal, WorkingDir: "../../etc"},
		{ThreadID: "t1", Kind: models.ThreadTerminal, WorkingDir: "no-such-dir"},
	}
	for _, req := range cases {
		if _, err := m.Create(ctx, req); err == nil {
			t.Errorf("Create(%+v) succeeded, want error", req)
		}
	}
}

func TestCreate_WorkingDirMustExist(t *testing.T) {
	tmux := &fakeTmux{responses: map[string]string{"display-message": "0"}}
	m, root := newTestManager(t, tmux)
	ctx := context.Background()

	req := models.ThreadCreateRequest{ThreadID: "t1", Kind: models.ThreadTerminal, WorkingDir: "proj"}
	_, err := m.Create(ctx, req)
	var werr *models.Error
	if !errors.As(err, &werr) || werr.Kind != models.ErrBadRequest {
		t.Fatalf("err = %v, want bad_request", err)
	}

	if err := os.Mkdir(filepath.Join(root, "proj"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(ctx, req); err != nil {
		t.Fatalf("existing dir rejected: %v", err)
	}
}

func TestCreate_SessionLimit(t *testing.T) {
	tmux := &fakeTmux{responses: map[string]string{"display-message": "0"}}
	m, _ := newTestManager(t, tmux)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		if _, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: id, Kind: models.ThreadTerminal}); err != nil {
			t.Fatal(err)
		}
	}

	_, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: "t3", Kind: models.ThreadTerminal})
	var werr *models.Error
	if !errors.As(err, &werr) || werr.Kind != models.ErrThreadLimit {
		t.Fatalf("err = %v, want thread_limit", err)
	}

	// Killing one frees a slot.
	if err := m.Kill(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: "t3", Kind: models.ThreadTerminal}); err != nil {
		t.Fatal(err)
	}
}

func TestCreate_StartFailureReleasesSlot(t *testing.T) {
	tmux := &fakeTmux{failOn: "new-session"}
	m, _ := newTestManager(t, tmux)
	ctx := context.Background()

	if _, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: "t1", Kind: models.ThreadTerminal}); err == nil {
		t.Fatal("Create succeeded despite tmux failure")
	}

	tmux.failOn = ""
	tmux.responses = map[string]string{"display-message": "0"}
	if _, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: "t1", Kind: models.ThreadTerminal}); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
}

func TestSendInput_Terminal(t *testing.T) {
	tmux := &fakeTmux{responses: map[string]string{"display-message": "0"}}
	m, _ := newTestManager(t, tmux)
	ctx := context.Background()

	if _, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: "t1", Kind: models.ThreadTerminal}); err != nil {
		t.Fatal(err)
	}
	if err := m.SendInput(ctx, "t1", "ls -la"); err != nil {
		t.Fatal(err)
	}

	sends := tmux.commandsRun("send-keys")
	if len(sends) != 1 {
		t.Fatalf("send-keys calls = %d", len(sends))
	}
	if sends[0][3] != "ls -la" {
		t.Errorf("sent %q", sends[0][3])
	}
}

func TestSendInput_AgentRestartsContinuation(t *testing.T) {
	// pane_current_command reports the login shell: the agent exited,
	// so input becomes a fresh continuation invocation.
	tmux := &fakeTmux{responses: map[string]string{"display-message": "bash"}}
	m, _ := newTestManager(t, tmux)
	ctx := context.Background()

	if _, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: "a1", Kind: models.ThreadAgent}); err != nil {
		t.Fatal(err)
	}
	if err := m.SendInput(ctx, "a1", "fix the tests"); err != nil {
		t.Fatal(err)
	}

	sends := tmux.commandsRun("send-keys")
	if len(sends) != 1 {
		t.Fatalf("send-keys calls = %d", len(sends))
	}
	if want := "agent --continue 'fix the tests'"; sends[0][3] != want {
		t.Errorf("sent %q, want %q", sends[0][3], want)
	}
}

func TestSendInput_AgentForwardsWhileRunning(t *testing.T) {
	tmux := &fakeTmux{responses: map[string]string{"display-message": "agent"}}
	m, _ := newTestManager(t, tmux)
	ctx := context.Background()

	if _, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: "a1", Kind: models.ThreadAgent}); err != nil {
		t.Fatal(err)
	}
	if err := m.SendInput(ctx, "a1", "yes"); err != nil {
		t.Fatal(err)
	}

	sends := tmux.commandsRun("send-keys")
	if len(sends) != 1 || sends[0][3] != "yes" {
		t.Errorf("sends = %v", sends)
	}
}

func TestSendInput_UnknownThread(t *testing.T) {
	m, _ := newTestManager(t, &fakeTmux{})
	err := m.SendInput(context.Background(), "nope", "hi")
	var werr *models.Error
	if !errors.As(err, &werr) || werr.Kind != models.ErrGone {
		t.Fatalf("err = %v, want gone", err)
	}
}

func TestOutput_Offsets(t *testing.T) {
	tmux := &fakeTmux{responses: map[string]string{"display-message": "0"}}
	m, _ := newTestManager(t, tmux)
	ctx := context.Background()

	if _, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: "t1", Kind: models.ThreadTerminal}); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(m.cfg.LogDir, "cockpit-t1.log")

	// Before any output the log may not exist yet.
	out, err := m.Output(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Output != "" || out.Offset != 0 {
		t.Errorf("empty log output = %+v", out)
	}

	if err := os.WriteFile(logPath, []byte("first chunk\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = m.Output(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Output != "first chunk\n" {
		t.Errorf("Output = %q", out.Output)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("second chunk\n")
	f.Close()

	out2, err := m.Output(ctx, "t1", out.Offset)
	if err != nil {
		t.Fatal(err)
	}
	if out2.Output != "second chunk\n" {
		t.Errorf("delta = %q", out2.Output)
	}
	if !out2.Running {
		t.Error("Running = false")
	}
}

func TestOutput_DeadPaneExitCode(t *testing.T) {
	tmux := &fakeTmux{responses: map[string]string{"display-message": "0"}}
	m, _ := newTestManager(t, tmux)
	ctx := context.Background()

	if _, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: "t1", Kind: models.ThreadTerminal}); err != nil {
		t.Fatal(err)
	}

	tmux.responses["display-message"] = "1 2"
	out, err := m.Output(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Running {
		t.Error("Running = true for dead pane")
	}
	if out.ExitCode == nil || *out.ExitCode != 2 {
		t.Errorf("ExitCode = %v", out.ExitCode)
	}
}

func TestKill_RemovesLog(t *testing.T) {
	tmux := &fakeTmux{responses: map[string]string{"display-message": "0"}}
	m, _ := newTestManager(t, tmux)
	ctx := context.Background()

	if _, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: "t1", Kind: models.ThreadTerminal}); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(m.cfg.LogDir, "cockpit-t1.log")
	if err := os.WriteFile(logPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Kill(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("log file not removed")
	}
	if len(m.List(ctx).Threads) != 0 {
		t.Error("session still listed")
	}
}

func TestReconcile_KillsOnlyStaleOwnSessions(t *testing.T) {
	tmux := &fakeTmux{responses: map[string]string{
		"list-sessions":   "cockpit-old\nusers-own-session\ncockpit-live",
		"display-message": "0",
	}}
	m, _ := newTestManager(t, tmux)
	ctx := context.Background()

	if _, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: "live", Kind: models.ThreadTerminal}); err != nil {
		t.Fatal(err)
	}

	m.Reconcile(ctx)

	kills := tmux.commandsRun("kill-session")
	if len(kills) != 1 {
		t.Fatalf("kill-session calls = %v", kills)
	}
	if kills[0][2] != "cockpit-old" {
		t.Errorf("killed %q", kills[0][2])
	}
}

func TestReconcile_AdoptsSessionsAcrossRestart(t *testing.T) {
	tmux := &fakeTmux{responses: map[string]string{
		"list-sessions":   "cockpit-t1",
		"display-message": "0",
	}}
	m, root := newTestManager(t, tmux)
	ctx := context.Background()

	if _, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: "t1", Kind: models.ThreadTerminal, Command: "htop"}); err != nil {
		t.Fatal(err)
	}

	// A fresh manager over the same database simulates a server restart:
	// the live recorded session is adopted, not killed.
	m2 := NewManager(m.cfg, root, tmux, m.db, nil, slog.New(slog.DiscardHandler))
	m2.Reconcile(ctx)

	list := m2.List(ctx).Threads
	if len(list) != 1 || list[0].ThreadID != "t1" || list[0].Command != "htop" {
		t.Fatalf("adopted sessions = %+v", list)
	}
	if kills := tmux.commandsRun("kill-session"); len(kills) != 0 {
		t.Errorf("adopted session killed: %v", kills)
	}
}

func TestReconcile_DropsRecordsWithoutSessions(t *testing.T) {
	tmux := &fakeTmux{responses: map[string]string{"display-message": "0"}}
	m, root := newTestManager(t, tmux)
	ctx := context.Background()

	if _, err := m.Create(ctx, models.ThreadCreateRequest{ThreadID: "t1", Kind: models.ThreadTerminal}); err != nil {
		t.Fatal(err)
	}

	// Restart onto a host with no tmux server: the stale record goes.
	m2 := NewManager(m.cfg, root, &fakeTmux{}, m.db, nil, slog.New(slog.DiscardHandler))
	m2.Reconcile(ctx)

	if n := len(m2.List(ctx).Threads); n != 0 {
		t.Errorf("sessions after reconcile = %d", n)
	}
	recs, err := m.db.ListThreads()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("records after reconcile = %+v", recs)
	}
}
