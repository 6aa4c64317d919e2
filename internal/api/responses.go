package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"ragweave/internal/domain/indexing"
	"ragweave/internal/domain/rag"
	applog "ragweave/internal/platform/log"
)

// APIResponse 统一 JSON 响应
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&APIResponse{
		Code:    status,
		Message: "ok",
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&APIResponse{
		Code:    status,
		Message: message,
	})
}

// statusOf 领域错误到 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, rag.ErrConflict),
		errors.Is(err, indexing.ErrInvalidStateTransition),
		errors.Is(err, indexing.ErrDocumentSuperseded):
		return http.StatusConflict
	case errors.Is(err, rag.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rag.ErrEmbeddingUnavailable),
		errors.Is(err, rag.ErrRetrievalUnavailable),
		errors.Is(err, indexing.ErrControllerStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, rag.ErrEmptyQuery),
		errors.Is(err, rag.ErrEmptyDocument),
		errors.Is(err, rag.ErrUnsupportedFormat),
		errors.Is(err, rag.ErrExtractionFailed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError 按错误类型写响应；5xx 记录错误日志
func writeDomainError(w http.ResponseWriter, op string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		applog.Error("[API] "+op+" failed", "status", status, "error", err)
	} else {
		applog.Debug("[API] "+op+" rejected", "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}
