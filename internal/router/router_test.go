package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/textslash/cockpit/internal/channels"
	"github.com/textslash/cockpit/internal/config"
	"github.com/textslash/cockpit/internal/vmclient"
	"github.com/textslash/cockpit/pkg/models"
)

type fakeGateway struct {
	mu        sync.Mutex
	commands  []models.ExecutionRequest
	actions   []string
	bodies    []any
	approvals []bool
	cancels   int
	created   []models.ThreadCreateRequest
	inputs    [][2]string
	killed    []string

	commandFn      func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error)
	approveFn      func(approved bool) (*models.ApproveResult, error)
	actionFn       func(path string, body any) (*models.ActionResult, error)
	skillsFn       func() (*models.SkillList, error)
	threadsFn      func() (*models.ThreadList, error)
	threadOutputFn func(threadID string, since int64) (*models.ThreadOutput, error)
}

func (f *fakeGateway) Command(ctx context.Context, req models.ExecutionRequest, onWake vmclient.WakeFunc) (*models.ExecutionResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, req)
	fn := f.commandFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &models.ExecutionResult{Text: "done: " + req.Text}, nil
}

func (f *fakeGateway) Cancel(ctx context.Context) error {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) Approve(ctx context.Context, approved bool, onWake vmclient.WakeFunc) (*models.ApproveResult, error) {
	f.mu.Lock()
	f.approvals = append(f.approvals, approved)
	fn := f.approveFn
	f.mu.Unlock()
	if fn != nil {
		return fn(approved)
	}
	return &models.ApproveResult{Text: "ok"}, nil
}

func (f *fakeGateway) Action(ctx context.Context, path string, body any, onWake vmclient.WakeFunc) (*models.ActionResult, error) {
	f.mu.Lock()
	f.actions = append(f.actions, path)
	f.bodies = append(f.bodies, body)
	fn := f.actionFn
	f.mu.Unlock()
	if fn != nil {
		return fn(path, body)
	}
	return &models.ActionResult{Text: "action " + path}, nil
}

func (f *fakeGateway) Skills(ctx context.Context, onWake vmclient.WakeFunc) (*models.SkillList, error) {
	if f.skillsFn != nil {
		return f.skillsFn()
	}
	return &models.SkillList{}, nil
}

func (f *fakeGateway) Threads(ctx context.Context, onWake vmclient.WakeFunc) (*models.ThreadList, error) {
	if f.threadsFn != nil {
		return f.threadsFn()
	}
	return &models.ThreadList{}, nil
}

func (f *fakeGateway) ThreadCreate(ctx context.Context, req models.ThreadCreateRequest, onWake vmclient.WakeFunc) (*models.ThreadInfo, error) {
	f.mu.Lock()
	f.created = append(f.created, req)
	f.mu.Unlock()
	return &models.ThreadInfo{ThreadID: req.ThreadID, Kind: req.Kind, Running: true}, nil
}

func (f *fakeGateway) ThreadInput(ctx context.Context, threadID, text string) error {
	f.mu.Lock()
	f.inputs = append(f.inputs, [2]string{threadID, text})
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) ThreadOutput(ctx context.Context, threadID string, since int64) (*models.ThreadOutput, error) {
	f.mu.Lock()
	fn := f.threadOutputFn
	f.mu.Unlock()
	if fn != nil {
		return fn(threadID, since)
	}
	return &models.ThreadOutput{Offset: since, Running: true}, nil
}

func (f *fakeGateway) ThreadKill(ctx context.Context, threadID string) error {
	f.mu.Lock()
	f.killed = append(f.killed, threadID)
	f.mu.Unlock()
	return nil
}

type outEvent struct {
	kind    string // text | progress | payload
	userID  string
	text    string
	payload models.Payload
}

type fakeAdapter struct {
	inbound chan channels.InboundMessage
	events  chan outEvent
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		inbound: make(chan channels.InboundMessage, 16),
		events:  make(chan outEvent, 64),
	}
}

func (f *fakeAdapter) Type() models.ChannelType { return models.ChannelWeb }

func (f *fakeAdapter) Start(ctx context.Context) error { return nil }

func (f *fakeAdapter) Stop() error { close(f.inbound); return nil }

func (f *fakeAdapter) Messages() <-chan channels.InboundMessage { return f.inbound }

func (f *fakeAdapter) SendText(ctx context.Context, userID, text string) error {
	f.events <- outEvent{kind: "text", userID: userID, text: text}
	return nil
}

func (f *fakeAdapter) SendProgress(ctx context.Context, userID, text string) error {
	f.events <- outEvent{kind: "progress", userID: userID, text: text}
	return nil
}

func (f *fakeAdapter) SendPayload(ctx context.Context, userID string, p models.Payload) error {
	f.events <- outEvent{kind: "payload", userID: userID, payload: p}
	return nil
}

func testConfig() *config.RelayConfig {
	return &config.RelayConfig{
		Queue:     config.QueueConfig{MaxDepth: 5},
		Approval:  config.ApprovalConfig{Timeout: time.Minute},
		Threads:   config.ThreadWatchConfig{PollInterval: 10 * time.Millisecond},
		VM:        config.VMTargetConfig{CallTimeout: 5 * time.Second},
		PublicURL: "https://relay.example",
	}
}

func newTestRouter(t *testing.T, cfg *config.RelayConfig) (*Router, *fakeGateway, *fakeAdapter) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	gw := &fakeGateway{}
	ad := newFakeAdapter()
	logger := slog.New(slog.DiscardHandler)
	reg := channels.NewRegistry(logger)
	reg.Register(ad)
	return New(cfg, gw, reg, nil, logger), gw, ad
}

func msg(text string) channels.InboundMessage {
	return channels.InboundMessage{Channel: models.ChannelWeb, UserID: "u1", Text: text}
}

func nextEvent(t *testing.T, ad *fakeAdapter) outEvent {
	t.Helper()
	select {
	case ev := <-ad.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound event")
		return outEvent{}
	}
}

func noEvent(t *testing.T, ad *fakeAdapter, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-ad.events:
		t.Fatalf("unexpected outbound event %+v", ev)
	case <-time.After(wait):
	}
}

func TestFreeform_DeliversResult(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)
	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		return &models.ExecutionResult{Text: "built it", ViewURL: "/artifacts/abc"}, nil
	}

	r.HandleMessage(context.Background(), msg("build the login page"))

	ev := nextEvent(t, ad)
	if ev.kind != "payload" {
		t.Fatalf("event kind = %q", ev.kind)
	}
	if ev.payload.Text != "built it" {
		t.Errorf("text = %q", ev.payload.Text)
	}
	if ev.payload.ViewURL != "https://relay.example/artifacts/abc" {
		t.Errorf("view url = %q, want public prefix", ev.payload.ViewURL)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.commands) != 1 || gw.commands[0].CallbackUserID != "web:u1" {
		t.Errorf("commands = %+v", gw.commands)
	}
}

func TestWorking_QueuesAndDrains(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)

	release := make(chan struct{})
	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		if req.Text == "first" {
			<-release
		}
		return &models.ExecutionResult{Text: "done: " + req.Text}, nil
	}

	r.HandleMessage(context.Background(), msg("first"))
	r.HandleMessage(context.Background(), msg("second"))

	ack := nextEvent(t, ad)
	if ack.kind != "text" || !strings.Contains(ack.text, "process this next") {
		t.Fatalf("ack = %+v", ack)
	}

	close(release)
	if ev := nextEvent(t, ad); ev.payload.Text != "done: first" {
		t.Errorf("first result = %+v", ev)
	}
	if ev := nextEvent(t, ad); ev.payload.Text != "done: second" {
		t.Errorf("drained result = %+v", ev)
	}
}

func TestWorking_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.MaxDepth = 1
	r, gw, ad := newTestRouter(t, cfg)

	release := make(chan struct{})
	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		<-release
		return &models.ExecutionResult{Text: "done"}, nil
	}
	defer close(release)

	r.HandleMessage(context.Background(), msg("busy work"))
	r.HandleMessage(context.Background(), msg("queued"))
	r.HandleMessage(context.Background(), msg("overflow"))

	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "process this next") {
		t.Errorf("ack = %+v", ev)
	}
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "Queue is full") {
		t.Errorf("overflow reply = %+v", ev)
	}
}

func TestWorking_CancelDropsQueue(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)

	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	r.HandleMessage(context.Background(), msg("long task"))
	r.HandleMessage(context.Background(), msg("queued work"))
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "process this next") {
		t.Fatalf("ack = %+v", ev)
	}

	r.HandleMessage(context.Background(), msg("cancel"))
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "Canceled") {
		t.Errorf("cancel reply = %+v", ev)
	}

	// Remote cancel is best-effort and async.
	deadline := time.Now().Add(time.Second)
	for {
		gw.mu.Lock()
		n := gw.cancels
		gw.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("remote cancel never issued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The canceled run reports nothing and the queue is gone.
	noEvent(t, ad, 100*time.Millisecond)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.commands) != 1 {
		t.Errorf("commands = %d, want canceled run only", len(gw.commands))
	}
}

func TestWorking_ShortCancelToken(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)
	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	r.HandleMessage(context.Background(), msg("long task"))
	r.HandleMessage(context.Background(), msg("c"))
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "Canceled") {
		t.Errorf("reply to 'c' = %+v", ev)
	}
}

func TestCancelThenNewRun_StaleRunStaysSilent(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)

	firstUnwound := make(chan struct{})
	secondGate := make(chan struct{})
	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		switch req.Text {
		case "first":
			<-ctx.Done()
			<-firstUnwound
			return nil, models.NewError(models.ErrExecution, "agent exited with code -1")
		case "second":
			<-secondGate
		}
		return &models.ExecutionResult{Text: "done: " + req.Text}, nil
	}

	r.HandleMessage(context.Background(), msg("first"))
	r.HandleMessage(context.Background(), msg("cancel"))
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "Canceled") {
		t.Fatalf("cancel reply = %+v", ev)
	}

	// A new run starts while the canceled call is still unwinding, then
	// the canceled call returns its failure.
	r.HandleMessage(context.Background(), msg("second"))
	close(firstUnwound)

	// The stale goroutine must not report that failure or hand off the
	// slot while "second" is mid-flight.
	noEvent(t, ad, 100*time.Millisecond)

	// New messages queue behind "second" instead of starting a
	// concurrent execution.
	r.HandleMessage(context.Background(), msg("third"))
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "process this next") {
		t.Fatalf("expected queue ack, got %+v", ev)
	}

	close(secondGate)
	if ev := nextEvent(t, ad); ev.payload.Text != "done: second" {
		t.Errorf("second result = %+v", ev)
	}
	if ev := nextEvent(t, ad); ev.payload.Text != "done: third" {
		t.Errorf("third result = %+v", ev)
	}
}

func TestApproval_ApproveOpensPR(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)
	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		return &models.ExecutionResult{Text: "rewrote auth", ApprovalRequired: true, DiffSummary: "2 files changed"}, nil
	}
	gw.approveFn = func(approved bool) (*models.ApproveResult, error) {
		return &models.ApproveResult{PRURL: "https://github.com/o/r/pull/7"}, nil
	}

	r.HandleMessage(context.Background(), msg("refactor auth"))
	ev := nextEvent(t, ad)
	if ev.kind != "payload" || !strings.Contains(ev.payload.Text, "Approve these changes?") {
		t.Fatalf("gate prompt = %+v", ev)
	}
	if ev.payload.DiffSummary != "2 files changed" {
		t.Errorf("diff summary = %q", ev.payload.DiffSummary)
	}

	// Unrelated text gets a reminder, not an execution.
	r.HandleMessage(context.Background(), msg("also add dark mode"))
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "Waiting on your approval") {
		t.Fatalf("reminder = %+v", ev)
	}

	r.HandleMessage(context.Background(), msg("approve"))
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "https://github.com/o/r/pull/7") {
		t.Errorf("approve reply = %+v", ev)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.approvals) != 1 || !gw.approvals[0] {
		t.Errorf("approvals = %v", gw.approvals)
	}
	if len(gw.commands) != 1 {
		t.Errorf("reminder triggered an execution: %d commands", len(gw.commands))
	}
}

func TestApproval_RejectReverts(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)
	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		return &models.ExecutionResult{Text: "did things", ApprovalRequired: true}, nil
	}
	gw.approveFn = func(approved bool) (*models.ApproveResult, error) {
		return &models.ApproveResult{Text: "Changes reverted."}, nil
	}

	r.HandleMessage(context.Background(), msg("risky change"))
	nextEvent(t, ad) // gate prompt

	r.HandleMessage(context.Background(), msg("r"))
	if ev := nextEvent(t, ad); ev.text != "Changes reverted." {
		t.Errorf("reject reply = %+v", ev)
	}

	gw.mu.Lock()
	approvals := append([]bool(nil), gw.approvals...)
	gw.mu.Unlock()
	if len(approvals) != 1 || approvals[0] {
		t.Errorf("approvals = %v", approvals)
	}

	// Back to idle: a new message executes.
	gw.commandFn = nil
	r.HandleMessage(context.Background(), msg("next task"))
	if ev := nextEvent(t, ad); ev.payload.Text != "done: next task" {
		t.Errorf("post-reject run = %+v", ev)
	}
}

func TestApproval_ExpiryFiresOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.Timeout = 50 * time.Millisecond
	r, gw, ad := newTestRouter(t, cfg)
	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		return &models.ExecutionResult{Text: "pending", ApprovalRequired: true}, nil
	}

	r.HandleMessage(context.Background(), msg("do something"))
	nextEvent(t, ad) // gate prompt

	ev := nextEvent(t, ad)
	if !strings.Contains(ev.text, "approval window expired") {
		t.Fatalf("expiry notice = %+v", ev)
	}
	if !strings.Contains(ev.text, "preserved on disk") {
		t.Errorf("notice should mention preserved changes: %q", ev.text)
	}
	noEvent(t, ad, 150*time.Millisecond)

	// Expired gate no longer accepts approve; the token runs as a prompt.
	gw.commandFn = nil
	r.HandleMessage(context.Background(), msg("approve"))
	if ev := nextEvent(t, ad); ev.payload.Text != "done: approve" {
		t.Errorf("post-expiry message = %+v", ev)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.approvals) != 0 {
		t.Errorf("approvals after expiry = %v", gw.approvals)
	}
}

func TestApproval_FailedCommitRearmsGate(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)
	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		return &models.ExecutionResult{Text: "pending", ApprovalRequired: true}, nil
	}
	failing := true
	gw.approveFn = func(approved bool) (*models.ApproveResult, error) {
		if failing {
			return nil, models.NewError(models.ErrExecution, "push rejected")
		}
		return &models.ApproveResult{PRURL: "https://github.com/o/r/pull/8"}, nil
	}

	r.HandleMessage(context.Background(), msg("do something"))
	nextEvent(t, ad) // gate prompt

	r.HandleMessage(context.Background(), msg("approve"))
	ev := nextEvent(t, ad)
	if !strings.Contains(ev.text, "Committing failed") || !strings.Contains(ev.text, "push rejected") {
		t.Fatalf("failure reply = %+v", ev)
	}

	failing = false
	r.HandleMessage(context.Background(), msg("approve"))
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "pull/8") {
		t.Errorf("retry reply = %+v", ev)
	}
}

func TestExecutionError_KeepsPartialOutput(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)
	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		return nil, &models.Error{
			Kind: models.ErrTimeout, Message: "execution exceeded 5m",
			Text: "got halfway", Diffs: "diff --git a b",
		}
	}

	r.HandleMessage(context.Background(), msg("slow task"))
	ev := nextEvent(t, ad)
	if ev.kind != "payload" {
		t.Fatalf("event = %+v", ev)
	}
	if !strings.Contains(ev.payload.Text, "ran out of time") || !strings.Contains(ev.payload.Text, "got halfway") {
		t.Errorf("text = %q", ev.payload.Text)
	}
	if ev.payload.Diffs == "" {
		t.Error("partial diff dropped")
	}
}

func TestBusyError_PlainNotice(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)
	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		return nil, models.NewError(models.ErrBusy, "another command is already running")
	}

	r.HandleMessage(context.Background(), msg("anything"))
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "busy with another request") {
		t.Errorf("busy reply = %+v", ev)
	}
}

func TestMeta_Help(t *testing.T) {
	r, _, ad := newTestRouter(t, nil)
	r.HandleMessage(context.Background(), msg("help"))
	ev := nextEvent(t, ad)
	if !strings.Contains(ev.text, "pr create") || !strings.Contains(ev.text, "thread kill") {
		t.Errorf("help = %q", ev.text)
	}
}

func TestMeta_SkillsFormatted(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)
	gw.skillsFn = func() (*models.SkillList, error) {
		return &models.SkillList{Skills: []models.SkillInfo{
			{Name: "deploy", Description: "Ship to production"},
		}}, nil
	}
	r.HandleMessage(context.Background(), msg("skills"))
	ev := nextEvent(t, ad)
	if !strings.Contains(ev.text, "deploy") || !strings.Contains(ev.text, "Ship to production") {
		t.Errorf("skills = %q", ev.text)
	}
}

func TestActions_Dispatch(t *testing.T) {
	tests := []struct {
		input    string
		wantPath string
		wantBody any
	}{
		{"status", "/repo/status", nil},
		{"pull", "/repo/pull", nil},
		{"new", "/session/new", nil},
		{"pr merge", "/repo/pr/merge", nil},
		{"clone https://github.com/o/r.git", "/repo/clone", cloneBody{URL: "https://github.com/o/r.git"}},
		{"switch myrepo", "/repo/switch", nameBody{Name: "myrepo"}},
		{"branch feature-x", "/repo/branch", nameBody{Name: "feature-x"}},
		{"checkout main", "/repo/checkout", checkoutBody{Name: "main"}},
		{"checkout -b feature-y", "/repo/checkout", checkoutBody{Name: "feature-y", Create: true}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			r, gw, ad := newTestRouter(t, nil)
			r.HandleMessage(context.Background(), msg(tt.input))
			if ev := nextEvent(t, ad); !strings.Contains(ev.text, tt.wantPath) {
				t.Errorf("reply = %+v", ev)
			}
			gw.mu.Lock()
			defer gw.mu.Unlock()
			if len(gw.actions) != 1 || gw.actions[0] != tt.wantPath {
				t.Fatalf("actions = %v", gw.actions)
			}
			if gw.bodies[0] != tt.wantBody {
				t.Errorf("body = %+v, want %+v", gw.bodies[0], tt.wantBody)
			}
		})
	}
}

func TestActions_SlowActionDoesNotBlockInbound(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)

	gate := make(chan struct{})
	gw.actionFn = func(path string, body any) (*models.ActionResult, error) {
		<-gate
		return &models.ActionResult{Text: "cloned"}, nil
	}

	done := make(chan struct{})
	go func() {
		r.HandleMessage(context.Background(), msg("clone https://github.com/o/r.git"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleMessage blocked on a slow action")
	}

	// The action holds the working slot, so new messages queue.
	r.HandleMessage(context.Background(), msg("hello there"))
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "process this next") {
		t.Fatalf("ack = %+v", ev)
	}

	close(gate)
	if ev := nextEvent(t, ad); ev.text != "cloned" {
		t.Fatalf("action reply = %+v", ev)
	}
	if ev := nextEvent(t, ad); ev.payload.Text != "done: hello there" {
		t.Errorf("queued freeform = %+v", ev)
	}
}

func TestThreadNew_StartsSessionAndRelaysOutput(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)

	exitCode := 3
	var pollMu sync.Mutex
	polls := 0
	gw.threadOutputFn = func(threadID string, since int64) (*models.ThreadOutput, error) {
		pollMu.Lock()
		defer pollMu.Unlock()
		polls++
		switch polls {
		case 1:
			return &models.ThreadOutput{Output: "server listening\n", Offset: 17, Running: true}, nil
		case 2:
			if since != 17 {
				t.Errorf("second poll since = %d, want 17", since)
			}
			return &models.ThreadOutput{Offset: 17, Running: false, ExitCode: &exitCode}, nil
		default:
			return &models.ThreadOutput{Offset: 17, Running: true}, nil
		}
	}

	r.HandleMessage(context.Background(), msg("thread new npm run dev"))

	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "started") {
		t.Fatalf("start reply = %+v", ev)
	}
	gw.mu.Lock()
	if len(gw.created) != 1 || gw.created[0].Kind != models.ThreadTerminal || gw.created[0].Command != "npm run dev" {
		t.Fatalf("created = %+v", gw.created)
	}
	gw.mu.Unlock()

	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "server listening") {
		t.Fatalf("relayed output = %+v", ev)
	}
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "exited with code 3") {
		t.Fatalf("exit notice = %+v", ev)
	}

	// The poller stops after exit; the session waits for thread kill.
	noEvent(t, ad, 100*time.Millisecond)
}

func TestThreadAgent_CreatesAgentKind(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)

	r.HandleMessage(context.Background(), msg("thread agent"))
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "started") {
		t.Fatalf("reply = %+v", ev)
	}

	gw.mu.Lock()
	if len(gw.created) != 1 || gw.created[0].Kind != models.ThreadAgent {
		t.Fatalf("created = %+v", gw.created)
	}
	id := gw.created[0].ThreadID
	gw.mu.Unlock()
	if id == "" {
		t.Error("no thread id generated")
	}
	r.stopThreadWatch(id)
}

func TestThreadSend_ForwardsInput(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)

	r.HandleMessage(context.Background(), msg("thread send abc123 tail -f server.log"))
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "Sent to thread abc123") {
		t.Fatalf("reply = %+v", ev)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.inputs) != 1 || gw.inputs[0] != [2]string{"abc123", "tail -f server.log"} {
		t.Errorf("inputs = %v", gw.inputs)
	}
}

func TestActions_ThreadKill(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)
	r.HandleMessage(context.Background(), msg("thread kill web-123"))
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "web-123 killed") {
		t.Errorf("reply = %+v", ev)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.killed) != 1 || gw.killed[0] != "web-123" {
		t.Errorf("killed = %v", gw.killed)
	}
}

func TestHandleProgress_RoutesToConversation(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)

	release := make(chan struct{})
	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		<-release
		return &models.ExecutionResult{Text: "done"}, nil
	}
	r.HandleMessage(context.Background(), msg("work"))

	r.HandleProgress("web:u1", "compiling...")
	if ev := nextEvent(t, ad); ev.kind != "progress" || ev.text != "compiling..." {
		t.Errorf("progress = %+v", ev)
	}

	// Unknown conversations are logged, not fatal.
	r.HandleProgress("web:stranger", "hello?")

	close(release)
	nextEvent(t, ad) // final result
}

func TestQueuedAction_AnswersThenDrains(t *testing.T) {
	r, gw, ad := newTestRouter(t, nil)

	release := make(chan struct{})
	gw.commandFn = func(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
		if req.Text == "long job" {
			<-release
		}
		return &models.ExecutionResult{Text: "done: " + req.Text}, nil
	}

	r.HandleMessage(context.Background(), msg("long job"))
	r.HandleMessage(context.Background(), msg("status"))
	r.HandleMessage(context.Background(), msg("another job"))

	nextEvent(t, ad) // ack for status
	nextEvent(t, ad) // ack for another job
	close(release)

	if ev := nextEvent(t, ad); ev.payload.Text != "done: long job" {
		t.Fatalf("first result = %+v", ev)
	}
	if ev := nextEvent(t, ad); !strings.Contains(ev.text, "/repo/status") {
		t.Errorf("queued action reply = %+v", ev)
	}
	if ev := nextEvent(t, ad); ev.payload.Text != "done: another job" {
		t.Errorf("drained job = %+v", ev)
	}
}
