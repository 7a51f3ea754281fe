package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/textslash/cockpit/internal/classifier"
	"github.com/textslash/cockpit/pkg/models"
)

// startThread provisions a session on the machine and begins relaying
// its output back into the conversation.
func (r *Router) startThread(ctx context.Context, c *conversation, cmd classifier.Command) {
	req := models.ThreadCreateRequest{
		ThreadID: uuid.NewString()[:8],
		Kind:     models.ThreadTerminal,
		Command:  strings.Join(cmd.Args, " "),
	}
	if cmd.Name == "thread agent" {
		req.Kind = models.ThreadAgent
	}

	info, err := r.vm.ThreadCreate(ctx, req, r.wakeNotice(c))
	if err != nil {
		r.send(c, "Couldn't start thread: "+userMessage(err))
		return
	}

	r.send(c, fmt.Sprintf("Thread %s started (%s). 'thread send %s <text>' talks to it, 'thread kill %s' ends it.",
		info.ThreadID, info.Kind, info.ThreadID, info.ThreadID))
	r.watchThread(c, info.ThreadID)
}

// watchThread starts (or restarts) the poller that follows one thread
// session's output for the conversation that created it.
func (r *Router) watchThread(c *conversation, threadID string) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if old, ok := r.watchers[threadID]; ok {
		old()
	}
	r.watchers[threadID] = cancel
	r.mu.Unlock()
	go r.pollThread(ctx, c, threadID)
}

func (r *Router) stopThreadWatch(threadID string) {
	r.mu.Lock()
	if cancel, ok := r.watchers[threadID]; ok {
		cancel()
		delete(r.watchers, threadID)
	}
	r.mu.Unlock()
}

// pollThread relays output deltas on a fixed cadence until the hosted
// process exits or the watcher is stopped. The session itself stays
// resident after exit so its final output remains readable until
// thread kill.
func (r *Router) pollThread(ctx context.Context, c *conversation, threadID string) {
	ticker := time.NewTicker(r.cfg.Threads.PollInterval)
	defer ticker.Stop()

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		out, err := r.vm.ThreadOutput(callCtx, threadID, offset)
		cancel()
		if err != nil {
			var werr *models.Error
			if errors.As(err, &werr) && werr.Kind == models.ErrGone {
				r.stopThreadWatch(threadID)
				return
			}
			r.logger.Warn("thread poll failed", "thread_id", threadID, "error", err)
			continue
		}

		if out.Output != "" {
			r.send(c, fmt.Sprintf("[thread %s]\n%s", threadID, strings.TrimRight(out.Output, "\n")))
		}
		offset = out.Offset

		if !out.Running {
			exit := fmt.Sprintf("Thread %s exited.", threadID)
			if out.ExitCode != nil {
				exit = fmt.Sprintf("Thread %s exited with code %d.", threadID, *out.ExitCode)
			}
			r.send(c, exit+fmt.Sprintf(" 'thread kill %s' cleans it up.", threadID))
			r.stopThreadWatch(threadID)
			return
		}
	}
}
