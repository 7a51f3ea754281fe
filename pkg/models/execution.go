package models

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelWeb      ChannelType = "web"
)

// ExecutionRequest is the body of POST /command on the VM server.
type ExecutionRequest struct {
	Text string `json:"text"`
	// CallbackUserID is echoed back on progress callbacks so the relay can
	// route them to the right conversation.
	CallbackUserID string `json:"callback_user_id,omitempty"`
}

// ExecutionResult is the outcome of one agent invocation. Diffs and
// DiffSummary are attached on every exit path, including timeouts and
// failures, so partial work is never silently lost.
type ExecutionResult struct {
	Text             string  `json:"text"`
	Diffs            string  `json:"diffs,omitempty"`
	DiffSummary      string  `json:"diff_summary,omitempty"`
	ApprovalRequired bool    `json:"approval_required,omitempty"`
	ExitCode         *int    `json:"exit_code"`
	DurationMs       int64   `json:"duration_ms"`
	Images           []Image `json:"images,omitempty"`
	// ViewURL points at a rendered artifact when the output was long
	// enough to warrant one.
	ViewURL string `json:"view_url,omitempty"`
}

// Image references a captured image served from the VM's artifact surface.
type Image struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Payload is the structured outbound message handed to channel adapters.
type Payload struct {
	Text        string  `json:"text,omitempty"`
	Diffs       string  `json:"diffs,omitempty"`
	DiffSummary string  `json:"diff_summary,omitempty"`
	Images      []Image `json:"images,omitempty"`
	ViewURL     string  `json:"view_url,omitempty"`
}

// ProgressEvent is an out-of-band status update emitted while an
// execution is still running.
type ProgressEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ApproveRequest is the body of POST /approve.
type ApproveRequest struct {
	Approved bool `json:"approved"`
}

// ApproveResult is the outcome of an approval decision. PRURL is set when
// a change request was opened successfully.
type ApproveResult struct {
	Text       string `json:"text,omitempty"`
	PRURL      string `json:"pr_url,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ActionResult is the common response shape of the simple repo/branch
// action endpoints.
type ActionResult struct {
	Text string `json:"text"`
}
