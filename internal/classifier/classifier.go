// Package classifier turns raw message text into a routing decision:
// meta commands answered locally, repo actions dispatched to a VM
// endpoint, and everything else forwarded to the agent as freeform.
package classifier

import "strings"

// Kind is the top-level routing category for an inbound message.
type Kind string

const (
	// KindMeta is answered by the relay without touching the VM.
	KindMeta Kind = "meta"
	// KindAction maps to a direct VM action endpoint.
	KindAction Kind = "action"
	// KindFreeform goes to the execution engine as an agent prompt.
	KindFreeform Kind = "freeform"
)

// Command is the classification result. Name is normalized to lower
// case; Args keep their original casing (URLs, branch names).
type Command struct {
	Kind Kind
	Name string
	Args []string
}

// Zero-argument commands. Multi-word names only match when the entire
// message is exactly that phrase, so "pr create a login page" stays
// freeform while "pr create" is an action.
var (
	metaCommands = map[string]bool{
		"help":    true,
		"skills":  true,
		"threads": true,
	}
	zeroArgActions = map[string]bool{
		"status":    true,
		"pull":      true,
		"branches":  true,
		"new":       true,
		"pr create": true,
		"pr status": true,
		"pr merge":  true,
	}
	oneArgActions = map[string]bool{
		"clone":    true,
		"switch":   true,
		"branch":   true,
		"checkout": true,
	}
)

// Classify is pure and stateless. Command keywords are matched
// case-insensitively; arguments are passed through untouched.
func Classify(text string) Command {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Command{Kind: KindFreeform}
	}

	lowered := strings.ToLower(trimmed)
	if metaCommands[lowered] {
		return Command{Kind: KindMeta, Name: lowered}
	}
	if zeroArgActions[lowered] {
		return Command{Kind: KindAction, Name: lowered}
	}

	fields := strings.Fields(trimmed)

	// Thread session commands: new/agent start one, send feeds one,
	// kill removes one.
	if len(fields) >= 2 && strings.ToLower(fields[0]) == "thread" {
		switch strings.ToLower(fields[1]) {
		case "new":
			// Everything after "thread new" is the command to host;
			// empty means a plain shell.
			if len(fields) == 2 {
				return Command{Kind: KindAction, Name: "thread new"}
			}
			return Command{Kind: KindAction, Name: "thread new", Args: fields[2:]}
		case "agent":
			if len(fields) == 2 {
				return Command{Kind: KindAction, Name: "thread agent"}
			}
		case "send":
			if len(fields) >= 4 {
				return Command{Kind: KindAction, Name: "thread send",
					Args: []string{fields[2], strings.Join(fields[3:], " ")}}
			}
		case "kill":
			if len(fields) == 3 {
				return Command{Kind: KindAction, Name: "thread kill", Args: []string{fields[2]}}
			}
		}
	}

	// checkout -b <name> creates and switches in one step.
	if len(fields) == 3 && strings.ToLower(fields[0]) == "checkout" && fields[1] == "-b" {
		return Command{Kind: KindAction, Name: "checkout", Args: []string{"-b", fields[2]}}
	}

	// One-argument actions only match the exact "<keyword> <arg>" shape;
	// anything longer is a sentence for the agent.
	if len(fields) == 2 {
		keyword := strings.ToLower(fields[0])
		if oneArgActions[keyword] {
			return Command{Kind: KindAction, Name: keyword, Args: []string{fields[1]}}
		}
	}

	return Command{Kind: KindFreeform}
}
