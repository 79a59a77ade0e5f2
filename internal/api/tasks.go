package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"EgoMarket/internal/auth"
	"EgoMarket/internal/task"

	"github.com/go-chi/chi/v5"
)

// parseListOptions 把查询参数转换为任务过滤条件。
func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithLimit(n))
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithOffset(n))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(s)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if v := q.Get("creator"); v != "" {
		opts = append(opts, task.WithCreator(v))
	}
	if v := q.Get("agent"); v != "" {
		opts = append(opts, task.WithAgent(v))
	}
	if v := q.Get("parent"); v != "" {
		opts = append(opts, task.WithParent(v))
	}
	if v := q.Get("q"); v != "" {
		opts = append(opts, task.WithQuery(v))
	}
	if q.Get("archived") == "true" {
		opts = append(opts, task.WithArchived())
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if raw := q.Get("updated_since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if raw := q.Get("updated_until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	return opts, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeBadRequest(w, "查询参数无效: "+err.Error())
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeBadRequest(w, "查询参数无效: "+err.Error())
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handlePostTask 发布任务，发布者即调用方。
func (s *Server) handlePostTask(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subject(w, r)
	if !ok {
		return
	}
	var req task.PostRequest
	if err := readJSON(r, &req); err != nil {
		writeBadRequest(w, "请求体解析失败")
		return
	}
	req.Creator = subject.ID
	posted, err := s.tasks.PostTask(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, posted)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	log, err := s.tasks.Transitions(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": log})
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.tasks.Bids(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": bids})
}

// handlePlaceBid 以调用方身份报价。
func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subject(w, r)
	if !ok {
		return
	}
	var req task.BidRequest
	if err := readJSON(r, &req); err != nil {
		writeBadRequest(w, "请求体解析失败")
		return
	}
	req.Agent = subject.ID
	bid, err := s.tasks.PlaceBid(r.Context(), chi.URLParam(r, "taskID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subject(w, r)
	if !ok {
		return
	}
	t, err := s.tasks.AcceptBid(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "bidID"), subject.Actor())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListDeliverables(w http.ResponseWriter, r *http.Request) {
	items, err := s.tasks.Deliverables(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliverables": items})
}

func (s *Server) handleSubmitDeliverable(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subject(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := readJSON(r, &req); err != nil {
		writeBadRequest(w, "请求体解析失败")
		return
	}
	t, d, err := s.tasks.SubmitDeliverable(r.Context(), chi.URLParam(r, "taskID"), subject.Actor(), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task": t, "deliverable": d})
}

// reasonRequest 是只携带说明文字的动作请求体。
type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRequestRevision(w http.ResponseWriter, r *http.Request) {
	s.reasonAction(w, r, s.tasks.RequestRevision)
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	s.reasonAction(w, r, s.tasks.OpenDispute)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.reasonAction(w, r, s.tasks.Cancel)
}

func (s *Server) reasonAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, taskID string, actor task.Actor, reason string) (*task.Task, error)) {
	subject, ok := s.subject(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := readJSON(r, &req); err != nil {
		writeBadRequest(w, "请求体解析失败")
		return
	}
	t, err := action(r.Context(), chi.URLParam(r, "taskID"), subject.Actor(), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subject(w, r)
	if !ok {
		return
	}
	if err := s.tasks.Archive(r.Context(), chi.URLParam(r, "taskID"), subject.Actor()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []any{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.events.BySubject(r.Context(), chi.URLParam(r, "taskID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.subject(w, r, auth.PermMediate); !ok {
		return
	}
	if s.events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []any{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items})
}

// handleVerifyEvents 重新计算审计事件链的哈希。
func (s *Server) handleVerifyEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.subject(w, r, auth.PermMediate); !ok {
		return
	}
	if s.events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": true})
		return
	}
	if err := s.events.Verify(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}
