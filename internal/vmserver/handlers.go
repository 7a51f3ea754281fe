package vmserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/textslash/cockpit/internal/artifacts"
	"github.com/textslash/cockpit/internal/render"
	"github.com/textslash/cockpit/internal/storage"
	"github.com/textslash/cockpit/pkg/models"
)

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req models.ExecutionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, models.NewError(models.ErrBadRequest, "text is required"))
		return
	}

	res, err := s.engine.Run(r.Context(), req.Text, func(msg string) {
		s.postProgress(req.CallbackUserID, msg)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.presentResult(res)
	s.logCommand(req, res)
	writeJSON(w, http.StatusOK, res)
}

// presentResult swaps long output for an inline summary plus a rendered
// artifact view.
func (s *Server) presentResult(res *models.ExecutionResult) {
	c := render.Classify(res.Text, res.Diffs)
	if !c.IsLong && res.Diffs == "" {
		return
	}

	page, err := render.HTML("Execution result", res.Text, res.Diffs)
	if err != nil {
		s.logger.Warn("render view failed", "error", err)
		return
	}
	id, err := s.artifacts.Put("html", strings.NewReader(page))
	if err != nil {
		s.logger.Warn("store view failed", "error", err)
		return
	}

	res.ViewURL = "/artifacts/" + id
	if c.IsLong {
		res.Text = render.InlineSummary(res.Text, c, res.DiffSummary)
	}
}

func (s *Server) logCommand(req models.ExecutionRequest, res *models.ExecutionResult) {
	err := s.db.LogCommand(storage.CommandRecord{
		UserID:     req.CallbackUserID,
		Input:      req.Text,
		Summary:    firstN(res.Text, 200),
		Channel:    "vm",
		DurationMs: res.DurationMs,
	})
	if err != nil {
		s.logger.Warn("log command failed", "error", err)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	canceled := s.engine.Cancel()
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req models.ApproveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var (
		res *models.ApproveResult
		err error
	)
	if req.Approved {
		res, err = s.engine.Approve(r.Context())
	} else {
		res, err = s.engine.Reject(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionNew(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetConversation()
	writeJSON(w, http.StatusOK, models.ActionResult{Text: "Started a fresh conversation."})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"busy":   s.engine.Busy(),
	})
}

type cloneRequest struct {
	URL string `json:"url"`
}

type nameRequest struct {
	Name string `json:"name"`
}

type checkoutRequest struct {
	Name   string `json:"name"`
	Create bool   `json:"create"`
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.action(w, func(ctx context.Context) (*models.ActionResult, error) {
		return s.repos.Clone(ctx, req.URL)
	})
	s.skills.Invalidate()
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.action(w, func(ctx context.Context) (*models.ActionResult, error) {
		return s.repos.Switch(ctx, req.Name)
	})
	s.skills.Invalidate()
}

func (s *Server) handleRepoStatus(w http.ResponseWriter, r *http.Request) {
	s.action(w, s.repos.Status)
}

func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	s.action(w, s.repos.Branches)
}

func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.action(w, func(ctx context.Context) (*models.ActionResult, error) {
		return s.repos.Branch(ctx, req.Name)
	})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.action(w, func(ctx context.Context) (*models.ActionResult, error) {
		return s.repos.Checkout(ctx, req.Name, req.Create)
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	s.action(w, s.repos.Pull)
}

func (s *Server) handlePRCreate(w http.ResponseWriter, r *http.Request) {
	s.action(w, s.repos.PRCreate)
}

func (s *Server) handlePRStatus(w http.ResponseWriter, r *http.Request) {
	s.action(w, s.repos.PRStatus)
}

func (s *Server) handlePRMerge(w http.ResponseWriter, r *http.Request) {
	s.action(w, s.repos.PRMerge)
}

func (s *Server) action(w http.ResponseWriter, fn func(context.Context) (*models.ActionResult, error)) {
	res, err := fn(context.Background())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleThreadCreate(w http.ResponseWriter, r *http.Request) {
	var req models.ThreadCreateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.threads.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleThreadInput(w http.ResponseWriter, r *http.Request) {
	var req models.ThreadInputRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.threads.SendInput(r.Context(), r.PathValue("id"), req.Text); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleThreadOutput(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, models.NewError(models.ErrBadRequest, "since must be a non-negative integer"))
			return
		}
		since = parsed
	}

	out, err := s.threads.Output(r.Context(), r.PathValue("id"), since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleThreadKill(w http.ResponseWriter, r *http.Request) {
	if err := s.threads.Kill(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.threads.List(r.Context()))
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	body, kind, err := s.artifacts.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, artifacts.ErrGone) {
			s.writeError(w, models.NewError(models.ErrGone, "artifact expired or unknown"))
			return
		}
		s.writeError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentTypeFor(kind))
	io.Copy(w, body)
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	list := models.SkillList{Skills: []models.SkillInfo{}}
	for _, sk := range s.skills.List(s.repos.CurrentPath()) {
		list.Skills = append(list.Skills, models.SkillInfo{
			Name:        sk.Name,
			Description: sk.Description,
			Source:      sk.Source,
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var werr *models.Error
	if !errors.As(err, &werr) {
		werr = models.NewError(models.ErrExecution, "%v", err)
	}
	s.logger.Debug("request failed", "kind", werr.Kind, "message", werr.Message)
	writeJSON(w, werr.Kind.HTTPStatus(), werr)
}

func decode(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return models.NewError(models.ErrBadRequest, "invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func contentTypeFor(kind string) string {
	switch kind {
	case "html":
		return "text/html; charset=utf-8"
	case "jpeg", "screenshot":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "text":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
