package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ragweave/internal/domain/indexing"
	"ragweave/internal/domain/rag"
	applog "ragweave/internal/platform/log"
)

// RAGHandler 文档写入、版本查询与检索上下文 API
type RAGHandler struct {
	docs         *rag.DocumentStore
	controller   *indexing.Controller
	orchestrator *rag.Orchestrator
	generator    rag.Generator
	maxFileMB    int
}

// NewRAGHandler 创建 RAG 处理器
func NewRAGHandler(svc Services, maxFileMB int) *RAGHandler {
	if maxFileMB <= 0 {
		maxFileMB = 50
	}
	return &RAGHandler{
		docs:         svc.Documents,
		controller:   svc.Controller,
		orchestrator: svc.Orchestrator,
		generator:    svc.Generator,
		maxFileMB:    maxFileMB,
	}
}

// RegisterRoutes 注册 RAG 路由
func (h *RAGHandler) RegisterRoutes(r chi.Router) {
	r.Route("/rag", func(r chi.Router) {
		r.Post("/context", h.Context)
		if h.generator != nil {
			r.Post("/answer", h.Answer)
		}

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", h.IngestDocument)
			r.Post("/upload", h.UploadDocument)
			r.Get("/", h.Lineage)
			r.Get("/{id}", h.GetDocument)
			r.Get("/{id}/chunks", h.ListChunks)
			r.Post("/{id}/reindex", h.Reindex)
		})
	})
}

// --- 检索上下文 ---

func (h *RAGHandler) Context(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "RAG orchestrator not configured")
		return
	}

	var req rag.ContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.orchestrator.AnswerContext(r.Context(), callerOf(r), req)
	if err != nil {
		writeDomainError(w, "Context", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type answerResponse struct {
	Context *rag.ContextResult `json:"context"`
	Answer  *rag.Generation    `json:"answer,omitempty"`
}

// Answer 检索上下文并交给生成器；无证据时不调用生成器
func (h *RAGHandler) Answer(w http.ResponseWriter, r *http.Request) {
	var req rag.ContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.orchestrator.AnswerContext(r.Context(), callerOf(r), req)
	if err != nil {
		writeDomainError(w, "Answer", err)
		return
	}
	if result.Status == rag.ContextStatusNoEvidence {
		writeJSON(w, http.StatusOK, answerResponse{Context: result})
		return
	}

	gen, err := h.generator.Generate(r.Context(), rag.GenerationRequest{Query: result.Query, Context: result})
	if err != nil {
		writeDomainError(w, "Answer", err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{Context: result, Answer: gen})
}

// --- 文档写入 ---

type ingestDocumentRequest struct {
	DocKey        string            `json:"doc_key"`
	Title         string            `json:"title"`
	Content       string            `json:"content,omitempty"`
	ContentBase64 string            `json:"content_base64,omitempty"`
	MimeType      string            `json:"mime_type,omitempty"`
	Filename      string            `json:"filename,omitempty"`
	SourceType    string            `json:"source_type,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	PHITier       string            `json:"phi_tier,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (h *RAGHandler) IngestDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.limitBytes())

	var req ingestDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.DocKey) == "" {
		writeError(w, http.StatusBadRequest, "doc_key is required")
		return
	}

	content := []byte(req.Content)
	if req.ContentBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "content_base64 is not valid base64")
			return
		}
		content = decoded
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	mimeType := req.MimeType
	if mimeType == "" && req.ContentBase64 == "" && req.Filename == "" {
		mimeType = "text/plain"
	}

	h.ingestAndRespond(w, r, indexing.IngestRequest{
		DocKey:  req.DocKey,
		Content: content,
		Meta: rag.DocumentMeta{
			Title:      req.Title,
			SourceType: req.SourceType,
			MimeType:   mimeType,
			Filename:   req.Filename,
			Tags:       req.Tags,
			PHITier:    req.PHITier,
			Metadata:   req.Metadata,
		},
	})
}

// UploadDocument 文件上传入库（multipart/form-data）
func (h *RAGHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	limitBytes := h.limitBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limitBytes)

	if err := r.ParseMultipartForm(limitBytes); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if header.Size > 0 && header.Size > limitBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds limit (%dMB)", h.maxFileMB))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	docKey := r.FormValue("doc_key")
	if docKey == "" {
		docKey = header.Filename
	}
	var tags []string
	for _, t := range strings.Split(r.FormValue("tags"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	h.ingestAndRespond(w, r, indexing.IngestRequest{
		DocKey:  docKey,
		Content: data,
		Meta: rag.DocumentMeta{
			Title:      r.FormValue("title"),
			SourceType: r.FormValue("source_type"),
			MimeType:   header.Header.Get("Content-Type"),
			Filename:   header.Filename,
			Tags:       tags,
			PHITier:    r.FormValue("phi_tier"),
		},
	})
}

// ingestAndRespond 新版本返回 202（索引异步进行），内容未变化返回 200
func (h *RAGHandler) ingestAndRespond(w http.ResponseWriter, r *http.Request, req indexing.IngestRequest) {
	start := time.Now()
	caller := callerOf(r)

	result, err := h.controller.Ingest(r.Context(), caller, req)
	if err != nil {
		writeDomainError(w, "Ingest", err)
		return
	}

	applog.Info("[RAG/API] Document ingested",
		"doc_key", req.DocKey,
		"document_id", result.Document.ID,
		"version", result.Document.Version,
		"created", result.Created,
		"subject", caller.Subject,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	status := http.StatusOK
	if result.Created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// --- 文档查询 ---

func (h *RAGHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.visibleDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *RAGHandler) ListChunks(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.visibleDocument(w, r)
	if !ok {
		return
	}
	chunks, err := h.docs.Chunks(r.Context(), doc.ID)
	if err != nil {
		writeDomainError(w, "ListChunks", err)
		return
	}
	for i := range chunks {
		chunks[i].Embedding = nil
	}
	writeJSON(w, http.StatusOK, chunks)
}

// Lineage 调用方命名空间内 doc_key 的全部版本（升序）
func (h *RAGHandler) Lineage(w http.ResponseWriter, r *http.Request) {
	docKey := r.URL.Query().Get("doc_key")
	if docKey == "" {
		writeError(w, http.StatusBadRequest, "doc_key is required")
		return
	}
	caller := callerOf(r)
	versions, err := h.docs.Lineage(r.Context(), caller.Namespace(), docKey)
	if err != nil {
		writeDomainError(w, "Lineage", err)
		return
	}

	out := make([]*rag.Document, 0, len(versions))
	for _, d := range versions {
		if visible(caller, d) {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type reindexResponse struct {
	Job     *indexing.Job `json:"job"`
	Created bool          `json:"created"`
}

func (h *RAGHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.visibleDocument(w, r)
	if !ok {
		return
	}
	job, created, err := h.controller.Reindex(r.Context(), doc.ID)
	if err != nil {
		writeDomainError(w, "Reindex", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, reindexResponse{Job: job, Created: created})
}

// visibleDocument 读取路径中的文档；不存在或不在调用方作用域内时写 404
func (h *RAGHandler) visibleDocument(w http.ResponseWriter, r *http.Request) (*rag.Document, bool) {
	doc, err := h.docs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "GetDocument", err)
		return nil, false
	}
	if !visible(callerOf(r), doc) {
		writeError(w, http.StatusNotFound, "document not found")
		return nil, false
	}
	return doc, true
}

func (h *RAGHandler) limitBytes() int64 {
	return int64(h.maxFileMB) << 20
}
