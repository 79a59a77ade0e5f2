package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"EgoMarket/internal/agent"
	"EgoMarket/internal/antigaming"
	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/escrow"
	"EgoMarket/internal/ledger"
	"EgoMarket/internal/reputation"
	"EgoMarket/internal/signing"
	"EgoMarket/internal/task"

	"github.com/google/uuid"
)

// errorBody 是统一的错误响应结构。
type errorBody struct {
	RequestID string    `json:"request_id"`
	Error     errorInfo `json:"error"`
}

type errorInfo struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Ambiguous bool              `json:"ambiguous,omitempty"`
	Recovery  string            `json:"recovery,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// RequestIDHeader 携带请求编号，错误响应体中的 request_id 与之一致。
const RequestIDHeader = "X-Request-ID"

func newRequestID() string { return "req_" + uuid.NewString() }

func requestIDOf(w http.ResponseWriter) string {
	if id := w.Header().Get(RequestIDHeader); id != "" {
		return id
	}
	return newRequestID()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON 解析请求体；空请求体视为零值。
func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		RequestID: requestIDOf(w),
		Error:     errorInfo{Code: string(xerrors.CodeInvalidArgument), Message: message},
	})
}

// writeError 把统一错误映射为 HTTP 状态码。结果未知的错误返回 202，
// 提示调用方资金状态尚待链上核实，不能当作失败处理。
func writeError(w http.ResponseWriter, err error) {
	info := errorInfo{Code: string(xerrors.CodeUnknown), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		info.Code = string(e.Code())
		info.Message = e.Message()
		info.Retryable = e.Retryable()
		info.Ambiguous = e.Ambiguous()
		info.Recovery = string(e.Recovery())
		info.Details = e.Metadata()
	}
	writeJSON(w, statusFor(err), errorBody{RequestID: requestIDOf(w), Error: info})
}

func statusFor(err error) int {
	if xerrors.AmbiguousError(err) {
		return http.StatusAccepted
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, task.CodeTaskNotFound, task.CodeBidNotFound,
		agent.CodeAgentNotFound, ledger.CodeBoxNotFound, ledger.CodeTxNotFound:
		return http.StatusNotFound
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case task.CodeUnauthorized:
		return http.StatusForbidden
	case task.CodeInvalidTransition, task.CodeAlreadyInState, task.CodeTaskConflict,
		xerrors.CodeConflict, agent.CodeAgentConflict, escrow.CodeStaleReference,
		ledger.CodeDoubleSpend:
		return http.StatusConflict
	case antigaming.CodeFundingFrozen, antigaming.CodeVelocityExceeded,
		reputation.CodeTierLimitExceeded, reputation.CodeHoldPeriodActive,
		escrow.CodeDeadlineNotReached, escrow.CodeInsufficientFunds, ledger.CodeInsufficientFunds,
		escrow.CodeSubmissionRejected, ledger.CodeRejected, signing.CodeUserCancelled:
		return http.StatusUnprocessableEntity
	case signing.CodeWalletUnavailable, xerrors.CodeUpstreamFailure, escrow.CodeMintFailed:
		return http.StatusBadGateway
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
