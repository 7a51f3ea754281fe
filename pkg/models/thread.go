package models

import "time"

// ThreadKind distinguishes the two session flavors. Terminal sessions
// forward keystrokes as-is; agent sessions restart a continuation
// invocation when the hosted agent finishes a turn.
type ThreadKind string

const (
	ThreadTerminal ThreadKind = "terminal"
	ThreadAgent    ThreadKind = "agent"
)

// ThreadCreateRequest is the body of POST /thread/create. ThreadID is a
// caller-supplied opaque token, typically the transport-side thread id.
type ThreadCreateRequest struct {
	ThreadID   string     `json:"thread_id"`
	Kind       ThreadKind `json:"kind"`
	WorkingDir string     `json:"working_dir,omitempty"`
	Command    string     `json:"command,omitempty"`
}

// ThreadInputRequest is the body of POST /thread/{id}/input.
type ThreadInputRequest struct {
	Text string `json:"text"`
}

// ThreadOutput is the delta returned by GET /thread/{id}/output?since=N.
// Offset is the absolute byte offset to pass on the next poll.
type ThreadOutput struct {
	Output   string `json:"output"`
	Offset   int64  `json:"offset"`
	Running  bool   `json:"running"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// ThreadInfo describes one resident thread session.
type ThreadInfo struct {
	ThreadID   string     `json:"thread_id"`
	Kind       ThreadKind `json:"kind"`
	WorkingDir string     `json:"working_dir"`
	Command    string     `json:"command,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Running    bool       `json:"running"`
	ExitCode   *int       `json:"exit_code,omitempty"`
}

// ThreadList is the response of GET /threads.
type ThreadList struct {
	Threads []ThreadInfo `json:"threads"`
}
