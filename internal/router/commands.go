package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/textslash/cockpit/internal/classifier"
)

const helpText = `I drive your dev machine. Anything you type is sent to the agent.

Repo commands:
  status, pull, branches
  clone <url>, switch <repo>
  branch <name>, checkout <name>, checkout -b <name>
  pr create, pr status, pr merge

Session:
  new       start a fresh agent conversation
  cancel    abort the current run (also drops the queue)
  skills    list available skills

Thread sessions (long-running, survive restarts):
  threads                  list sessions
  thread new [command]     start a terminal session, optionally running command
  thread agent             start a second agent session
  thread send <id> <text>  feed text to a session
  thread kill <id>         end a session

While I'm working your messages queue up and run in order. When a
change needs sign-off, reply approve or reject.`

// actionRoutes maps zero-argument action names to their VM endpoint.
var actionRoutes = map[string]string{
	"status":    "/repo/status",
	"pull":      "/repo/pull",
	"branches":  "/repo/branches",
	"new":       "/session/new",
	"pr create": "/repo/pr/create",
	"pr status": "/repo/pr/status",
	"pr merge":  "/repo/pr/merge",
}

func (r *Router) handleMeta(ctx context.Context, c *conversation, cmd classifier.Command) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	switch cmd.Name {
	case "help":
		r.send(c, helpText)
	case "skills":
		list, err := r.vm.Skills(ctx, r.wakeNotice(c))
		if err != nil {
			r.send(c, "Couldn't list skills: "+userMessage(err))
			return
		}
		if len(list.Skills) == 0 {
			r.send(c, "No skills installed.")
			return
		}
		var b strings.Builder
		b.WriteString("Available skills:\n")
		for _, sk := range list.Skills {
			fmt.Fprintf(&b, "  %s — %s\n", sk.Name, sk.Description)
		}
		r.send(c, strings.TrimRight(b.String(), "\n"))
	case "threads":
		list, err := r.vm.Threads(ctx, r.wakeNotice(c))
		if err != nil {
			r.send(c, "Couldn't list threads: "+userMessage(err))
			return
		}
		if len(list.Threads) == 0 {
			r.send(c, "No thread sessions running.")
			return
		}
		var b strings.Builder
		b.WriteString("Thread sessions:\n")
		for _, th := range list.Threads {
			state := "running"
			if !th.Running {
				state = "exited"
			}
			fmt.Fprintf(&b, "  %s (%s, %s)\n", th.ThreadID, th.Kind, state)
		}
		r.send(c, strings.TrimRight(b.String(), "\n"))
	}
}

// Request bodies for the argumented repo endpoints, mirroring the VM
// server's decode shapes.
type cloneBody struct {
	URL string `json:"url"`
}

type nameBody struct {
	Name string `json:"name"`
}

type checkoutBody struct {
	Name   string `json:"name"`
	Create bool   `json:"create"`
}

func (r *Router) handleAction(ctx context.Context, c *conversation, cmd classifier.Command) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var (
		path string
		body any
	)
	switch {
	case actionRoutes[cmd.Name] != "":
		path = actionRoutes[cmd.Name]
	case cmd.Name == "clone":
		path, body = "/repo/clone", cloneBody{URL: cmd.Args[0]}
	case cmd.Name == "switch":
		path, body = "/repo/switch", nameBody{Name: cmd.Args[0]}
	case cmd.Name == "branch":
		path, body = "/repo/branch", nameBody{Name: cmd.Args[0]}
	case cmd.Name == "checkout":
		if len(cmd.Args) == 2 && cmd.Args[0] == "-b" {
			path, body = "/repo/checkout", checkoutBody{Name: cmd.Args[1], Create: true}
		} else {
			path, body = "/repo/checkout", checkoutBody{Name: cmd.Args[0]}
		}
	case cmd.Name == "thread new", cmd.Name == "thread agent":
		r.startThread(ctx, c, cmd)
		return
	case cmd.Name == "thread send":
		if err := r.vm.ThreadInput(ctx, cmd.Args[0], cmd.Args[1]); err != nil {
			r.send(c, "Couldn't send to thread: "+userMessage(err))
			return
		}
		r.send(c, fmt.Sprintf("Sent to thread %s.", cmd.Args[0]))
		return
	case cmd.Name == "thread kill":
		if err := r.vm.ThreadKill(ctx, cmd.Args[0]); err != nil {
			r.send(c, "Couldn't kill thread: "+userMessage(err))
			return
		}
		r.stopThreadWatch(cmd.Args[0])
		r.send(c, fmt.Sprintf("Thread %s killed.", cmd.Args[0]))
		return
	default:
		r.logger.Error("unroutable action", "name", cmd.Name)
		return
	}

	res, err := r.vm.Action(ctx, path, body, r.wakeNotice(c))
	if err != nil {
		r.send(c, "That didn't work: "+userMessage(err))
		return
	}
	r.send(c, res.Text)
}

func (r *Router) wakeNotice(c *conversation) func() {
	return func() {
		r.sendProgress(c, "The machine is waking up, this may take a little while...")
	}
}
