package api

import (
	"net/http"
	"strings"

	"EgoMarket/internal/auth"
	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/escrow"
	"EgoMarket/internal/signing"
	"EgoMarket/internal/task"

	"github.com/go-chi/chi/v5"
)

// walletRequest 选择签名通道。remote 需要声明钱包地址；custodial 使用服务钱包，
// 仅调解方可用。
type walletRequest struct {
	Wallet        string `json:"wallet"`
	Address       string `json:"address"`
	ChangeAddress string `json:"change_address"`
}

// gateway 解析请求体中的钱包选择，返回签名通道和携带钱包身份的请求。
func (s *Server) gateway(r *http.Request, subject *auth.Subject, req walletRequest) (signing.Gateway, *http.Request, error) {
	switch strings.ToLower(strings.TrimSpace(req.Wallet)) {
	case "", string(signing.KindRemote):
		if s.remote == nil {
			return nil, r, xerrors.New(xerrors.CodeInitializationFailure, "远程签名通道未启用")
		}
		if strings.TrimSpace(req.Address) == "" {
			return nil, r, xerrors.New(xerrors.CodeInvalidArgument, "远程签名需要钱包地址")
		}
		ctx := signing.ContextWithIdentity(r.Context(), signing.Identity{
			Address:       req.Address,
			ChangeAddress: req.ChangeAddress,
		})
		return s.remote, r.WithContext(ctx), nil
	case "custodial":
		if s.custodial == nil {
			return nil, r, xerrors.New(xerrors.CodeInitializationFailure, "托管钱包未配置")
		}
		if !subject.HasPermission(auth.PermMediate) {
			return nil, r, xerrors.New(task.CodeUnauthorized, "仅调解方可以使用托管钱包")
		}
		return s.custodial, r, nil
	default:
		return nil, r, xerrors.New(xerrors.CodeInvalidArgument, "未知的钱包类型: "+req.Wallet)
	}
}

// settle 处理 fund/approve/refund 三类托管动作的公共流程。
func (s *Server) settle(w http.ResponseWriter, r *http.Request, op escrow.Op) {
	subject, ok := s.subject(w, r, auth.PermEscrowWrite)
	if !ok {
		return
	}
	var req walletRequest
	if err := readJSON(r, &req); err != nil {
		writeBadRequest(w, "请求体解析失败")
		return
	}
	gw, r, err := s.gateway(r, subject, req)
	if err != nil {
		writeError(w, err)
		return
	}

	taskID := chi.URLParam(r, "taskID")
	var receipt escrow.Receipt
	switch op {
	case escrow.OpFund:
		_, receipt, err = s.settlement.FundTask(r.Context(), gw, taskID, subject.Actor())
	case escrow.OpRelease:
		_, receipt, err = s.settlement.ApproveTask(r.Context(), gw, taskID, subject.Actor())
	case escrow.OpRefund:
		_, receipt, err = s.settlement.RefundTask(r.Context(), gw, taskID, subject.Actor())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t, "receipt": receipt})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, escrow.OpFund)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, escrow.OpRelease)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, escrow.OpRefund)
}

// handleResolve 执行争议裁定。请求体带 verdict 时直接采用调用方的裁定，
// 否则交由配置的调解方决定。
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subject(w, r, auth.PermMediate)
	if !ok {
		return
	}
	var req struct {
		walletRequest
		Verdict escrow.Verdict `json:"verdict"`
		Reason  string         `json:"reason"`
	}
	if err := readJSON(r, &req); err != nil {
		writeBadRequest(w, "请求体解析失败")
		return
	}
	if req.Wallet == "" {
		req.Wallet = "custodial"
	}
	gw, r, err := s.gateway(r, subject, req.walletRequest)
	if err != nil {
		writeError(w, err)
		return
	}

	taskID := chi.URLParam(r, "taskID")
	var (
		res     escrow.Resolution
		receipt escrow.Receipt
	)
	switch req.Verdict {
	case "":
		_, res, receipt, err = s.settlement.ResolveDispute(r.Context(), gw, taskID)
	case escrow.VerdictComplete, escrow.VerdictRefund:
		res = escrow.Resolution{Verdict: req.Verdict, Reason: req.Reason, Mediator: subject.ID}
		_, receipt, err = s.settlement.ApplyResolution(r.Context(), gw, taskID, res)
	default:
		writeBadRequest(w, "verdict 只能是 complete 或 refund")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t, "resolution": res, "receipt": receipt})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subject(w, r)
	if !ok {
		return
	}
	var req struct {
		Rating int `json:"rating"`
	}
	if err := readJSON(r, &req); err != nil {
		writeBadRequest(w, "请求体解析失败")
		return
	}
	standing, err := s.settlement.RateAgent(r.Context(), chi.URLParam(r, "taskID"), subject.Actor(), req.Rating)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, standing)
}

func (s *Server) handleEscrowStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.settlement.EscrowStatus(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleReconcileEscrow 立即核对待对账的注资交易，交易仍不可见时返回 202。
func (s *Server) handleReconcileEscrow(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subject(w, r, auth.PermEscrowWrite)
	if !ok {
		return
	}
	t, err := s.settlement.ReconcileFunding(r.Context(), chi.URLParam(r, "taskID"), subject.Actor())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
