// Package vmclient is the relay's HTTP client for the remote machine.
// The machine suspends when idle, so a refused connection is an
// expected state: the client announces the wake, polls health until the
// server answers, and retries the original call once.
package vmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/textslash/cockpit/internal/config"
	"github.com/textslash/cockpit/internal/observability"
	"github.com/textslash/cockpit/pkg/models"
)

// actionTimeout bounds the quick repo/thread/meta calls that never run
// the agent.
const actionTimeout = 30 * time.Second

// WakeFunc is invoked once when a call hits a cold machine, before the
// health poll loop starts. It lets the relay tell the user what the
// extra latency is.
type WakeFunc func()

// Client talks to one VM server.
type Client struct {
	base    string
	cfg     config.VMTargetConfig
	heavy   *http.Client // /command, /approve
	quick   *http.Client // everything else
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a client for the VM at cfg.Host. metrics may be nil.
func New(cfg config.VMTargetConfig, metrics *observability.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:    strings.TrimSuffix(cfg.Host, "/"),
		cfg:     cfg,
		heavy:   &http.Client{Timeout: cfg.CallTimeout},
		quick:   &http.Client{Timeout: actionTimeout},
		metrics: metrics,
		logger:  logger.With("component", "vmclient"),
	}
}

// Command submits a heavy execution.
func (c *Client) Command(ctx context.Context, req models.ExecutionRequest, onWake WakeFunc) (*models.ExecutionResult, error) {
	var res models.ExecutionResult
	if err := c.call(ctx, c.heavy, http.MethodPost, "/command", req, &res, onWake); err != nil {
		return nil, err
	}
	return &res, nil
}

// Cancel aborts the in-flight execution, if any.
func (c *Client) Cancel(ctx context.Context) error {
	return c.call(ctx, c.quick, http.MethodPost, "/cancel", nil, nil, nil)
}

// Approve resolves the pending approval.
func (c *Client) Approve(ctx context.Context, approved bool, onWake WakeFunc) (*models.ApproveResult, error) {
	var res models.ApproveResult
	req := models.ApproveRequest{Approved: approved}
	if err := c.call(ctx, c.heavy, http.MethodPost, "/approve", req, &res, onWake); err != nil {
		return nil, err
	}
	return &res, nil
}

// Health probes the VM server.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, c.quick, http.MethodGet, "/health", nil, nil, nil)
}

// Action invokes one of the simple repo/branch endpoints, e.g.
// Action(ctx, "/repo/status", nil).
func (c *Client) Action(ctx context.Context, path string, body any, onWake WakeFunc) (*models.ActionResult, error) {
	var res models.ActionResult
	if err := c.call(ctx, c.quick, http.MethodPost, path, body, &res, onWake); err != nil {
		return nil, err
	}
	return &res, nil
}

// Skills lists the skill files visible on the machine.
func (c *Client) Skills(ctx context.Context, onWake WakeFunc) (*models.SkillList, error) {
	var res models.SkillList
	if err := c.call(ctx, c.quick, http.MethodGet, "/skills", nil, &res, onWake); err != nil {
		return nil, err
	}
	return &res, nil
}

// ThreadCreate starts a thread session.
func (c *Client) ThreadCreate(ctx context.Context, req models.ThreadCreateRequest, onWake WakeFunc) (*models.ThreadInfo, error) {
	var res models.ThreadInfo
	if err := c.call(ctx, c.quick, http.MethodPost, "/thread/create", req, &res, onWake); err != nil {
		return nil, err
	}
	return &res, nil
}

// ThreadInput forwards text into a thread session.
func (c *Client) ThreadInput(ctx context.Context, threadID, text string) error {
	req := models.ThreadInputRequest{Text: text}
	return c.call(ctx, c.quick, http.MethodPost, "/thread/"+url.PathEscape(threadID)+"/input", req, nil, nil)
}

// ThreadOutput polls a thread session's output delta.
func (c *Client) ThreadOutput(ctx context.Context, threadID string, since int64) (*models.ThreadOutput, error) {
	var res models.ThreadOutput
	path := fmt.Sprintf("/thread/%s/output?since=%d", url.PathEscape(threadID), since)
	if err := c.call(ctx, c.quick, http.MethodGet, path, nil, &res, nil); err != nil {
		return nil, err
	}
	return &res, nil
}

// ThreadKill tears down a thread session.
func (c *Client) ThreadKill(ctx context.Context, threadID string) error {
	return c.call(ctx, c.quick, http.MethodPost, "/thread/"+url.PathEscape(threadID)+"/kill", nil, nil, nil)
}

// Threads lists resident thread sessions.
func (c *Client) Threads(ctx context.Context, onWake WakeFunc) (*models.ThreadList, error) {
	var res models.ThreadList
	if err := c.call(ctx, c.quick, http.MethodGet, "/threads", nil, &res, onWake); err != nil {
		return nil, err
	}
	return &res, nil
}

// Artifact streams a stored artifact. The caller must close the body.
func (c *Client) Artifact(ctx context.Context, id string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/artifacts/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.quick.Do(req)
	if err != nil {
		return nil, "", models.NewError(models.ErrUnreachable, "fetch artifact: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, "", decodeError(resp)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// call performs one round trip with cold-start recovery. A
// connection-level failure triggers the wake notice, a bounded health
// poll loop, and one final attempt regardless of poll outcome.
func (c *Client) call(ctx context.Context, hc *http.Client, method, path string, body, out any, onWake WakeFunc) error {
	err := c.once(ctx, hc, method, path, body, out)
	if err == nil || !isConnectionError(err) {
		return err
	}

	c.logger.Info("machine appears cold, waking", "path", path)
	if onWake != nil {
		onWake()
	}

	recovered := c.pollHealth(ctx)
	if c.metrics != nil {
		outcome := "recovered"
		if !recovered {
			outcome = "gave_up"
		}
		c.metrics.ColdStartCounter.WithLabelValues(outcome).Inc()
	}

	// Final attempt happens even when the poll loop gave up: the server
	// may have come up just after the last probe.
	err = c.once(ctx, hc, method, path, body, out)
	if err != nil && isConnectionError(err) {
		return models.NewError(models.ErrUnreachable, "machine did not wake within %s", c.cfg.ColdStartMaxWait)
	}
	return err
}

// pollHealth probes /health on a fixed cadence until it answers or the
// wait budget runs out.
func (c *Client) pollHealth(ctx context.Context) bool {
	deadline := time.Now().Add(c.cfg.ColdStartMaxWait)
	ticker := time.NewTicker(c.cfg.ColdStartPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if time.Now().After(deadline) {
				return false
			}
			probe, cancel := context.WithTimeout(ctx, c.cfg.ColdStartPollInterval)
			err := c.once(probe, c.quick, http.MethodGet, "/health", nil, nil)
			cancel()
			if err == nil {
				c.logger.Info("machine is up")
				return true
			}
		}
	}
}

func (c *Client) once(ctx context.Context, hc *http.Client, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// decodeError turns a non-2xx response into a *models.Error, keeping
// any partial payload the server attached.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var werr models.Error
	if err := json.Unmarshal(data, &werr); err == nil && werr.Kind != "" {
		return &werr
	}
	return &models.Error{
		Kind:    models.KindForStatus(resp.StatusCode),
		Message: strings.TrimSpace(string(data)),
	}
}

// isConnectionError reports whether err is a transport-level failure
// (nothing listening), as opposed to an HTTP-level error.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var werr *models.Error
	if errors.As(err, &werr) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	// url.Error wrapping a dial failure without a mapped errno.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return strings.Contains(uerr.Err.Error(), "connection refused") ||
			strings.Contains(uerr.Err.Error(), "no such host")
	}
	return false
}
