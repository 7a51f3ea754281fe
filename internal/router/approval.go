package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/textslash/cockpit/pkg/models"
)

const approvalPrompt = "Approve these changes? Reply 'approve' to commit and open a PR, " +
	"'reject' to discard them, or 'cancel'."

// enterAwaitingApproval parks the conversation behind the approval gate
// and arms the expiry timer. Queued messages stay queued until the gate
// resolves. A stale run generation means a cancel raced the execution's
// return; the gate must not arm for a run nobody is waiting on.
func (r *Router) enterAwaitingApproval(c *conversation, res *models.ExecutionResult, gen int) {
	c.mu.Lock()
	if c.runGen != gen || c.state != StateWorking {
		c.mu.Unlock()
		return
	}
	c.state = StateAwaitingApproval
	c.approvalGen++
	ag := c.approvalGen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(r.cfg.Approval.Timeout, func() {
		r.approvalExpired(c, ag)
	})
	c.mu.Unlock()

	text := res.Text
	if text != "" {
		text += "\n\n"
	}
	r.sendPayload(c, models.Payload{
		Text:        text + approvalPrompt,
		Diffs:       res.Diffs,
		DiffSummary: res.DiffSummary,
		Images:      res.Images,
		ViewURL:     r.publicViewURL(res.ViewURL),
	})
}

// rearmApproval re-enters the gate with a fresh deadline after a failed
// commit attempt. Reports whether the gate actually re-armed; it does
// not when the commit's run generation went stale in the meantime.
func (r *Router) rearmApproval(c *conversation, gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runGen != gen || c.state != StateWorking {
		return false
	}
	c.state = StateAwaitingApproval
	c.approvalGen++
	ag := c.approvalGen
	c.timer = time.AfterFunc(r.cfg.Approval.Timeout, func() {
		r.approvalExpired(c, ag)
	})
	return true
}

// approvalExpired fires at most once per armed gate: the generation
// counter defuses timers that lost a race with an explicit reply.
func (r *Router) approvalExpired(c *conversation, gen int) {
	c.mu.Lock()
	if c.state != StateAwaitingApproval || c.approvalGen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	r.queueGauge(-len(c.queue))
	c.queue = nil
	c.timer = nil
	c.mu.Unlock()

	r.logger.Info("approval window expired", "user", c.key)
	r.send(c, "The approval window expired, so nothing was committed. The changes are preserved on disk.")
}

// handleApprovalReply consumes a message while the gate is armed.
// Called with c.mu held; state transitions happen here, the VM calls on
// their own goroutine.
func (r *Router) handleApprovalReply(ctx context.Context, c *conversation, token string) {
	switch token {
	case "approve", "a":
		r.disarmLocked(c)
		gen := c.beginRunLocked()
		go r.runApprove(c, gen)
	case "reject", "r", "cancel", "c":
		r.disarmLocked(c)
		c.state = StateIdle
		r.queueGauge(-len(c.queue))
		c.queue = nil
		go r.runReject(c)
	default:
		go r.send(c, "Waiting on your approval decision. "+approvalPrompt)
	}
}

// disarmLocked stops the expiry timer and invalidates its generation.
// Caller holds c.mu.
func (r *Router) disarmLocked(c *conversation) {
	c.approvalGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// runApprove commits the pending changes. Failure re-arms the gate with
// a fresh deadline so the user can retry or reject.
func (r *Router) runApprove(c *conversation, gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.VM.CallTimeout)
	defer cancel()

	res, err := r.vm.Approve(ctx, true, r.wakeNotice(c))
	if err != nil {
		r.logger.Warn("approve failed", "user", c.key, "error", err)
		if !r.rearmApproval(c, gen) {
			// A cancel raced the commit; the conversation already moved on.
			return
		}
		r.send(c, "Committing failed: "+userMessage(err)+"\n\nThe changes are still pending. "+approvalPrompt)
		return
	}

	switch {
	case res.PRURL != "":
		r.send(c, fmt.Sprintf("Committed and opened a pull request: %s", res.PRURL))
	case res.Text != "":
		r.send(c, res.Text)
	default:
		r.send(c, "Changes committed.")
	}
	r.finishRun(c, gen)
}

// runReject reverts the pending changes. The conversation is already
// idle; a failed revert is reported but never re-arms the gate.
func (r *Router) runReject(c *conversation) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.VM.CallTimeout)
	defer cancel()

	res, err := r.vm.Approve(ctx, false, r.wakeNotice(c))
	if err != nil {
		r.logger.Warn("reject failed", "user", c.key, "error", err)
		r.send(c, "Reverting failed: "+userMessage(err)+"\nThe workspace may still hold the changes.")
		return
	}
	if res.Text != "" {
		r.send(c, res.Text)
		return
	}
	r.send(c, "Changes reverted.")
}

func userMessage(err error) string {
	var werr *models.Error
	if errors.As(err, &werr) {
		return werr.Message
	}
	return err.Error()
}
