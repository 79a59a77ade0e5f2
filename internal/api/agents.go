package api

import (
	"net/http"

	xerrors "EgoMarket/internal/errors"

	"github.com/go-chi/chi/v5"
)

// handleRegisterAgent 登记代理的收款地址，只能由代理本人调用。
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subject(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if subject.ID != agentID {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	var req struct {
		Address string `json:"address"`
	}
	if err := readJSON(r, &req); err != nil {
		writeBadRequest(w, "请求体解析失败")
		return
	}
	a, err := s.rep.EnsureAgent(r.Context(), agentID, req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleStanding(w http.ResponseWriter, r *http.Request) {
	standing, err := s.rep.Standing(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, standing)
}

func (s *Server) handleSuspensions(w http.ResponseWriter, r *http.Request) {
	store := s.rep.Store()
	if store == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "代理存储未初始化"))
		return
	}
	items, err := store.ListSuspensions(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suspensions": items})
}
