// Package router owns the per-user conversation state machine on the
// relay side. It is the only caller of the execution and approval
// endpoints: concurrency across users is handled here by queueing, not
// by running agents in parallel.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/textslash/cockpit/internal/channels"
	"github.com/textslash/cockpit/internal/classifier"
	"github.com/textslash/cockpit/internal/config"
	"github.com/textslash/cockpit/internal/observability"
	"github.com/textslash/cockpit/internal/vmclient"
	"github.com/textslash/cockpit/pkg/models"
)

// State is one user's position in the conversation lifecycle.
type State string

const (
	StateIdle             State = "idle"
	StateWorking          State = "working"
	StateAwaitingApproval State = "awaiting_approval"
)

// Gateway is the slice of the VM client the router drives. vmclient
// satisfies it; tests fake it.
type Gateway interface {
	Command(ctx context.Context, req models.ExecutionRequest, onWake vmclient.WakeFunc) (*models.ExecutionResult, error)
	Cancel(ctx context.Context) error
	Approve(ctx context.Context, approved bool, onWake vmclient.WakeFunc) (*models.ApproveResult, error)
	Action(ctx context.Context, path string, body any, onWake vmclient.WakeFunc) (*models.ActionResult, error)
	Skills(ctx context.Context, onWake vmclient.WakeFunc) (*models.SkillList, error)
	Threads(ctx context.Context, onWake vmclient.WakeFunc) (*models.ThreadList, error)
	ThreadCreate(ctx context.Context, req models.ThreadCreateRequest, onWake vmclient.WakeFunc) (*models.ThreadInfo, error)
	ThreadInput(ctx context.Context, threadID, text string) error
	ThreadOutput(ctx context.Context, threadID string, since int64) (*models.ThreadOutput, error)
	ThreadKill(ctx context.Context, threadID string) error
}

// conversation is one user's state. All fields are guarded by mu.
type conversation struct {
	key     string
	userID  string
	channel models.ChannelType

	mu          sync.Mutex
	state       State
	queue       []string
	runGen      int
	cancelRun   context.CancelFunc
	approvalGen int
	timer       *time.Timer
}

// beginRunLocked marks the conversation working and stamps a fresh run
// generation. A goroutine holding an older generation is stale: the
// user canceled or a newer run took over, and the stale goroutine must
// not touch the conversation again. Caller holds mu.
func (c *conversation) beginRunLocked() int {
	c.state = StateWorking
	c.runGen++
	return c.runGen
}

// Router dispatches inbound messages through the state machine.
type Router struct {
	cfg      *config.RelayConfig
	vm       Gateway
	adapters *channels.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	convs    map[string]*conversation
	watchers map[string]context.CancelFunc
}

// New creates a router. metrics may be nil.
func New(cfg *config.RelayConfig, vm Gateway, adapters *channels.Registry, metrics *observability.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:      cfg,
		vm:       vm,
		adapters: adapters,
		metrics:  metrics,
		logger:   logger.With("component", "router"),
		convs:    make(map[string]*conversation),
		watchers: make(map[string]context.CancelFunc),
	}
}

// Pump consumes an adapter's inbound stream until it closes.
func (r *Router) Pump(ctx context.Context, a channels.Adapter) {
	for msg := range a.Messages() {
		if r.metrics != nil {
			r.metrics.MessageCounter.WithLabelValues(string(msg.Channel), "inbound").Inc()
		}
		r.HandleMessage(ctx, msg)
	}
}

// convKey doubles as the progress-callback id the VM echoes back.
func convKey(channel models.ChannelType, userID string) string {
	return string(channel) + ":" + userID
}

func (r *Router) conv(channel models.ChannelType, userID string) *conversation {
	key := convKey(channel, userID)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[key]
	if !ok {
		c = &conversation{key: key, userID: userID, channel: channel, state: StateIdle}
		r.convs[key] = c
	}
	return c
}

// HandleMessage runs one inbound message through the state machine.
// State transitions happen inline under the conversation lock; the work
// itself continues on its own goroutine, so a slow call for one user
// never stalls the inbound pump for the rest.
func (r *Router) HandleMessage(ctx context.Context, msg channels.InboundMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	c := r.conv(msg.Channel, msg.UserID)
	token := strings.ToLower(text)

	c.mu.Lock()
	state := c.state
	switch state {
	case StateAwaitingApproval:
		r.handleApprovalReply(ctx, c, token)
	case StateWorking:
		if token == "cancel" || token == "c" {
			r.cancelLocked(c)
			c.mu.Unlock()
			r.send(c, "Canceled. Queued messages were dropped.")
			return
		}
		r.enqueueLocked(c, text)
	case StateIdle:
		gen := c.beginRunLocked()
		c.mu.Unlock()
		go r.run(c, text, gen)
		return
	}
	c.mu.Unlock()
}

// enqueueLocked appends to the FIFO or reports a full queue. Caller
// holds c.mu; the acknowledgement goes out on its own goroutine so the
// lock is never held across a network send.
func (r *Router) enqueueLocked(c *conversation, text string) {
	if len(c.queue) >= r.cfg.Queue.MaxDepth {
		go r.send(c, fmt.Sprintf("Queue is full (%d pending). Wait for the current work or send 'cancel'.", len(c.queue)))
		return
	}
	c.queue = append(c.queue, text)
	r.queueGauge(1)
	go r.send(c, "Got it, I'll process this next.")
}

// run processes one message as the conversation's current run. Meta
// commands and actions answer and hand the slot to the next queued
// message; freeform text becomes a heavy execution. Every exit path
// lands in idle, awaiting_approval, or the next queued run.
func (r *Router) run(c *conversation, text string, gen int) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message handler panicked", "user", c.key, "panic", rec)
			r.resetToIdle(c)
			r.send(c, "Something went wrong on my side. Your message was dropped; please resend it.")
		}
	}()

	cmd := classifier.Classify(text)
	switch cmd.Kind {
	case classifier.KindMeta:
		r.handleMeta(context.Background(), c, cmd)
		r.finishRun(c, gen)
	case classifier.KindAction:
		r.handleAction(context.Background(), c, cmd)
		r.finishRun(c, gen)
	default:
		r.execute(c, text, gen)
	}
}

// execute runs one heavy execution under the given run generation.
func (r *Router) execute(c *conversation, text string, gen int) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.mu.Lock()
	if c.runGen != gen || c.state != StateWorking {
		// Canceled before the run started.
		c.mu.Unlock()
		return
	}
	c.cancelRun = cancel
	c.mu.Unlock()

	res, err := r.vm.Command(runCtx, models.ExecutionRequest{
		Text:           text,
		CallbackUserID: c.key,
	}, r.wakeNotice(c))

	c.mu.Lock()
	stale := c.runGen != gen || c.state != StateWorking
	if !stale {
		c.cancelRun = nil
	}
	c.mu.Unlock()
	if stale {
		// Canceled or superseded by a newer run: whatever came back is
		// nobody's answer anymore.
		return
	}

	if err != nil {
		r.deliverFailure(c, err)
		r.finishRun(c, gen)
		return
	}

	if res.ApprovalRequired {
		r.enterAwaitingApproval(c, res, gen)
		return
	}

	r.deliverResult(c, res)
	r.finishRun(c, gen)
}

// finishRun drains one queued message or returns to idle. A stale
// generation means the run was canceled or superseded and owns nothing.
func (r *Router) finishRun(c *conversation, gen int) {
	c.mu.Lock()
	if c.runGen != gen || c.state != StateWorking {
		c.mu.Unlock()
		return
	}
	if len(c.queue) == 0 {
		c.state = StateIdle
		c.mu.Unlock()
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	nextGen := c.beginRunLocked()
	c.mu.Unlock()
	r.queueGauge(-1)

	r.run(c, next, nextGen)
}

// cancelLocked aborts the in-flight call and discards the queue.
// Caller holds c.mu.
func (r *Router) cancelLocked(c *conversation) {
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	c.state = StateIdle
	r.queueGauge(-len(c.queue))
	c.queue = nil

	// Best-effort remote kill so the machine doesn't keep working on a
	// request nobody wants anymore.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.vm.Cancel(ctx); err != nil {
			r.logger.Warn("remote cancel failed", "error", err)
		}
	}()
}

func (r *Router) resetToIdle(c *conversation) {
	c.mu.Lock()
	c.state = StateIdle
	r.queueGauge(-len(c.queue))
	c.queue = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
}

// HandleProgress relays an out-of-band progress callback from the VM.
// callbackID is the conversation key the relay sent with the request.
func (r *Router) HandleProgress(callbackID, message string) {
	r.mu.Lock()
	c, ok := r.convs[callbackID]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("progress for unknown conversation", "callback_id", callbackID)
		return
	}
	r.sendProgress(c, message)
}

// queueGauge tracks the cross-user queue total by deltas, so callers
// may hold a conversation lock.
func (r *Router) queueGauge(delta int) {
	if r.metrics == nil || delta == 0 {
		return
	}
	r.metrics.QueueDepth.Add(float64(delta))
}

func (r *Router) adapter(c *conversation) channels.Adapter {
	return r.adapters.Get(c.channel)
}

func (r *Router) send(c *conversation, text string) {
	a := r.adapter(c)
	if a == nil {
		r.logger.Error("no adapter for channel", "channel", c.channel)
		return
	}
	if r.metrics != nil {
		r.metrics.MessageCounter.WithLabelValues(string(c.channel), "outbound").Inc()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.SendText(ctx, c.userID, text); err != nil {
		r.logger.Warn("send failed", "user", c.key, "error", err)
	}
}

func (r *Router) sendPayload(c *conversation, p models.Payload) {
	a := r.adapter(c)
	if a == nil {
		return
	}
	if r.metrics != nil {
		r.metrics.MessageCounter.WithLabelValues(string(c.channel), "outbound").Inc()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.SendPayload(ctx, c.userID, p); err != nil {
		r.logger.Warn("send payload failed", "user", c.key, "error", err)
	}
}

func (r *Router) sendProgress(c *conversation, text string) {
	a := r.adapter(c)
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.SendProgress(ctx, c.userID, text); err != nil {
		r.logger.Warn("send progress failed", "user", c.key, "error", err)
	}
}

// publicViewURL makes a VM-relative artifact path reachable through the
// relay's public address.
func (r *Router) publicViewURL(viewURL string) string {
	if viewURL == "" || r.cfg.PublicURL == "" {
		return viewURL
	}
	return strings.TrimSuffix(r.cfg.PublicURL, "/") + viewURL
}

func (r *Router) deliverResult(c *conversation, res *models.ExecutionResult) {
	r.sendPayload(c, models.Payload{
		Text:        res.Text,
		Diffs:       res.Diffs,
		DiffSummary: res.DiffSummary,
		Images:      res.Images,
		ViewURL:     r.publicViewURL(res.ViewURL),
	})
}

// deliverFailure explains an error in user terms, keeping any partial
// output the VM attached.
func (r *Router) deliverFailure(c *conversation, err error) {
	var werr *models.Error
	if !errors.As(err, &werr) {
		r.logger.Error("execution failed", "user", c.key, "error", err)
		r.send(c, "That didn't work; the machine returned an unexpected error.")
		return
	}

	var notice string
	switch werr.Kind {
	case models.ErrBusy:
		notice = "The machine is busy with another request. Try again in a moment."
	case models.ErrTimeout:
		notice = "That ran out of time. Here's what was done before the timeout:"
	case models.ErrUnreachable:
		notice = "The machine isn't reachable right now. Try again in a minute."
	default:
		notice = "The agent hit an error:"
	}
	r.logger.Warn("execution failed", "user", c.key, "kind", werr.Kind, "message", werr.Message)

	if werr.Text == "" && werr.Diffs == "" {
		r.send(c, notice)
		return
	}
	r.sendPayload(c, models.Payload{
		Text:        notice + "\n\n" + werr.Text,
		Diffs:       werr.Diffs,
		DiffSummary: werr.DiffSummary,
		Images:      werr.Images,
	})
}
