package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"ragweave/internal/domain/indexing"
	"ragweave/internal/domain/rag"
)

// JobHandler 索引任务查询与控制
type JobHandler struct {
	controller *indexing.Controller
	docs       *rag.DocumentStore
}

func NewJobHandler(controller *indexing.Controller, docs *rag.DocumentStore) *JobHandler {
	return &JobHandler{controller: controller, docs: docs}
}

// RegisterRoutes 注册任务路由
func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Route("/rag/jobs", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/retry", h.Retry)
		r.Post("/{id}/cancel", h.Cancel)
	})
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.visibleJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// List doc_key 下的全部任务（创建顺序）
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	docKey := r.URL.Query().Get("doc_key")
	if docKey == "" {
		writeError(w, http.StatusBadRequest, "doc_key is required")
		return
	}
	jobs, err := h.controller.ListByDocKey(r.Context(), docKey)
	if err != nil {
		writeDomainError(w, "ListJobs", err)
		return
	}

	caller := callerOf(r)
	out := make([]*indexing.Job, 0, len(jobs))
	for _, j := range jobs {
		if h.jobVisible(r, caller, j) {
			out = append(out, j)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	job, ok := h.visibleJob(w, r)
	if !ok {
		return
	}
	job, err := h.controller.Retry(r.Context(), job.ID)
	if err != nil {
		writeDomainError(w, "RetryJob", err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.visibleJob(w, r)
	if !ok {
		return
	}
	job, err := h.controller.Cancel(r.Context(), job.ID)
	if err != nil {
		writeDomainError(w, "CancelJob", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobHandler) visibleJob(w http.ResponseWriter, r *http.Request) (*indexing.Job, bool) {
	job, err := h.controller.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "GetJob", err)
		return nil, false
	}
	if !h.jobVisible(r, callerOf(r), job) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

// jobVisible 任务可见性跟随其文档
func (h *JobHandler) jobVisible(r *http.Request, caller rag.Caller, job *indexing.Job) bool {
	if caller.OrgID == "" && caller.TenantID == "" {
		return true
	}
	doc, err := h.docs.Get(r.Context(), job.DocumentID)
	if err != nil {
		return false
	}
	return visible(caller, doc)
}
