// Package engine runs heavy agent executions on the remote machine.
// Exactly one execution runs at a time, machine-wide: the agent mutates
// a shared workspace, so concurrent runs would corrupt each other.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/textslash/cockpit/internal/config"
	"github.com/textslash/cockpit/internal/observability"
	"github.com/textslash/cockpit/internal/repo"
	"github.com/textslash/cockpit/pkg/models"
)

// Output markers the agent emits on their own line. Both are stripped
// from the returned text.
const (
	approvalMarker = "NEEDS_APPROVAL"
	progressPrefix = "PROGRESS: "
)

// commitPrompt drives the approval gate's commit invocation.
const commitPrompt = "Commit the current changes with a descriptive message, push the branch, " +
	"and open a pull request. Print the pull request URL on its own line."

var prURLRe = regexp.MustCompile(`https://github\.com/\S+/pull/\d+`)

// ProgressFunc receives out-of-band progress messages while an
// execution is still running.
type ProgressFunc func(message string)

// Engine owns the machine-wide execution slot.
type Engine struct {
	cfg     config.ExecutionConfig
	repos   *repo.Manager
	metrics *observability.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	current   *execution
	resetNext bool
}

type execution struct {
	cmd      *exec.Cmd
	canceled bool
}

// New creates an engine. metrics may be nil.
func New(cfg config.ExecutionConfig, repos *repo.Manager, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		repos:   repos,
		metrics: metrics,
		logger:  logger.With("component", "engine"),
	}
}

// Busy reports whether an execution currently holds the slot.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// ResetConversation makes the next run start a fresh agent
// conversation instead of continuing the previous one.
func (e *Engine) ResetConversation() {
	e.mu.Lock()
	e.resetNext = true
	e.mu.Unlock()
	e.logger.Info("next execution starts a fresh conversation")
}

// agentArgs returns the invocation for the next run, dropping the
// continuation flag when a reset is pending.
func (e *Engine) agentArgs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.resetNext {
		return e.cfg.AgentCommand
	}
	e.resetNext = false
	args := make([]string, 0, len(e.cfg.AgentCommand))
	for _, a := range e.cfg.AgentCommand {
		if a == "--continue" {
			continue
		}
		args = append(args, a)
	}
	return args
}

// Cancel kills the in-flight execution's process group, if any.
// Returns false when the slot is idle.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return false
	}
	e.current.canceled = true
	killGroup(e.current.cmd)
	e.logger.Info("execution canceled")
	return true
}

func (e *Engine) acquire(ex *execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		return models.NewError(models.ErrBusy, "another command is already running")
	}
	e.current = ex
	return nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
}

// Run executes one agent invocation with text as the prompt. progress
// receives marker-stripped status lines as they appear and is fully
// drained before Run returns. On timeout, cancellation, and non-zero
// exit the returned *models.Error carries the accumulated output and
// the workspace diff.
func (e *Engine) Run(ctx context.Context, text string, progress ProgressFunc) (*models.ExecutionResult, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := e.agentArgs()
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = e.repos.CurrentPath()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ex := &execution{cmd: cmd}
	if err := e.acquire(ex); err != nil {
		return nil, err
	}
	defer e.release()

	scan, err := e.spawn(cmd, text, progress)
	if err != nil {
		return nil, models.NewError(models.ErrExecution, "start agent: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var runErr error
	timedOut := false
	select {
	case runErr = <-waitErr:
	case <-ctx.Done():
		killGroup(cmd)
		timedOut = ctx.Err() == context.DeadlineExceeded
		runErr = <-waitErr
	}

	out := scan.wait()

	diffs, summary := e.repos.Diff(context.Background())
	duration := time.Since(start)
	e.logger.Info("execution finished",
		"duration", duration,
		"timed_out", timedOut,
		"canceled", ex.canceled,
		"approval", out.approval)

	e.mu.Lock()
	canceled := ex.canceled
	e.mu.Unlock()

	switch {
	case canceled:
		e.observe("cancelled", duration)
		return nil, &models.Error{
			Kind: models.ErrExecution, Message: "execution canceled",
			Text: out.text, Diffs: diffs, DiffSummary: summary,
		}
	case timedOut:
		e.observe("timeout", duration)
		return nil, &models.Error{
			Kind:    models.ErrTimeout,
			Message: fmt.Sprintf("execution exceeded %s", e.cfg.Timeout),
			Text:    out.text, Diffs: diffs, DiffSummary: summary,
		}
	case runErr != nil:
		code := exitCode(runErr)
		e.observe("execution_error", duration)
		return nil, &models.Error{
			Kind:    models.ErrExecution,
			Message: fmt.Sprintf("agent exited with code %d", code),
			Text:    out.text, Diffs: diffs, DiffSummary: summary,
		}
	}

	e.observe("success", duration)
	zero := 0
	return &models.ExecutionResult{
		Text:             out.text,
		Diffs:            diffs,
		DiffSummary:      summary,
		ApprovalRequired: out.approval,
		ExitCode:         &zero,
		DurationMs:       duration.Milliseconds(),
	}, nil
}

// Approve runs the commit invocation and extracts the resulting change
// request URL. It holds the execution slot for its duration.
func (e *Engine) Approve(ctx context.Context) (*models.ApproveResult, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.CommitTimeout)
	defer cancel()

	cmd := exec.Command(e.cfg.CommitCommand[0], e.cfg.CommitCommand[1:]...)
	cmd.Dir = e.repos.CurrentPath()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ex := &execution{cmd: cmd}
	if err := e.acquire(ex); err != nil {
		return nil, err
	}
	defer e.release()

	scan, err := e.spawn(cmd, commitPrompt, nil)
	if err != nil {
		return nil, models.NewError(models.ErrExecution, "start commit: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-ctx.Done():
		killGroup(cmd)
		<-waitErr
		return nil, models.NewError(models.ErrTimeout, "commit exceeded %s", e.cfg.CommitTimeout)
	}

	out := scan.wait()
	if runErr != nil {
		return nil, &models.Error{
			Kind:    models.ErrExecution,
			Message: fmt.Sprintf("commit exited with code %d", exitCode(runErr)),
			Text:    out.text,
		}
	}

	res := &models.ApproveResult{
		Text:       out.text,
		PRURL:      prURLRe.FindString(out.text),
		DurationMs: time.Since(start).Milliseconds(),
	}
	e.logger.Info("approval committed", "pr_url", res.PRURL)
	return res, nil
}

// Reject discards the pending changes. It holds the execution slot so a
// revert never races a new run.
func (e *Engine) Reject(ctx context.Context) (*models.ApproveResult, error) {
	start := time.Now()

	ex := &execution{}
	if err := e.acquire(ex); err != nil {
		return nil, err
	}
	defer e.release()

	if err := e.repos.Revert(ctx); err != nil {
		return nil, models.NewError(models.ErrExecution, "revert failed: %v", err)
	}
	e.logger.Info("pending changes reverted")
	return &models.ApproveResult{
		Text:       "Changes reverted.",
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// spawn starts cmd with text on stdin and a scanner draining its
// combined output.
func (e *Engine) spawn(cmd *exec.Cmd, text string, progress ProgressFunc) (*outputScan, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	// Parent's copy of the write end must close or the reader never
	// sees EOF.
	pw.Close()

	go func() {
		stdin.Write([]byte(text))
		stdin.Close()
	}()

	scan := newOutputScan(pr, e.cfg.MaxOutputBytes, progress, e.logger)
	return scan, nil
}

func (e *Engine) observe(status string, d time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.ExecutionCounter.WithLabelValues(status).Inc()
	e.metrics.ExecutionDuration.Observe(d.Seconds())
}

// outputScan incrementally consumes agent output on its own goroutine,
// separating marker lines from payload text. Progress lines are
// delivered to the callback as they arrive, not batched at the end.
type outputScan struct {
	done      chan struct{}
	progress  ProgressFunc
	lines     []string
	approval  bool
	written   int64
	max       int64
	truncated bool
	logger    *slog.Logger
}

func newOutputScan(r *os.File, max int64, progress ProgressFunc, logger *slog.Logger) *outputScan {
	s := &outputScan{done: make(chan struct{}), progress: progress, max: max, logger: logger}
	go s.run(r)
	return s
}

// run drains the stream to EOF no matter what the agent prints. Lines
// are assembled chunk by chunk: a single line longer than any fixed
// token limit is legitimate payload (minified bundles, base64 blobs)
// and must not stall the pipe, which would SIGPIPE the agent mid-run.
func (s *outputScan) run(r *os.File) {
	defer close(s.done)
	defer r.Close()

	br := bufio.NewReaderSize(r, 64*1024)
	var pending []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 && int64(len(pending)) <= s.max {
			pending = append(pending, chunk...)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if len(pending) > 0 || err == nil {
			s.consume(strings.TrimSuffix(string(pending), "\n"))
			pending = pending[:0]
		}
		if err != nil {
			return
		}
	}
}

func (s *outputScan) consume(line string) {
	trimmed := strings.TrimSpace(line)

	switch {
	case trimmed == approvalMarker:
		s.approval = true
		return
	case strings.HasPrefix(trimmed, progressPrefix):
		if s.progress != nil {
			s.progress(strings.TrimPrefix(trimmed, progressPrefix))
		}
		return
	}

	if s.written+int64(len(line))+1 <= s.max {
		s.lines = append(s.lines, line)
		s.written += int64(len(line)) + 1
	} else if !s.truncated {
		s.truncated = true
		s.logger.Warn("output cap reached, discarding further output", "cap_bytes", s.max)
	}
}

type scanResult struct {
	text     string
	approval bool
}

// wait blocks until the output stream closes, which guarantees every
// progress line was delivered before the result goes back.
func (s *outputScan) wait() scanResult {
	<-s.done
	return scanResult{
		text:     strings.TrimSpace(strings.Join(s.lines, "\n")),
		approval: s.approval,
	}
}

func killGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	// Negative pid signals the whole process group, taking any children
	// the agent spawned down with it.
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
