package threads

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Tmux abstracts the tmux binary so the manager can be tested without
// a live server.
type Tmux interface {
	// Exec runs one tmux subcommand and returns its trimmed stdout.
	Exec(ctx context.Context, args ...string) (string, error)
}

// CLI is the real tmux transport.
type CLI struct{}

const tmuxTimeout = 10 * time.Second

func (CLI) Exec(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, tmuxTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "tmux", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
