package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domainrag "ragweave/internal/domain/rag"
	applog "ragweave/internal/platform/log"
)

// Client OpenSearch HTTP 客户端，同时实现 DenseIndex（knn_vector）与 LexicalIndex（BM25）
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	indexName  string
}

// NewClient 创建 OpenSearch 客户端
func NewClient(cfg *domainrag.Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.OpenSearchInsecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.OpenSearchURL, "/"),
		username: cfg.OpenSearchUsername,
		password: cfg.OpenSearchPassword,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		indexName: cfg.ChunkIndexName(),
	}
}

// chunkSource 索引文档结构
type chunkSource struct {
	ChunkID    string    `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	DocKey     string    `json:"doc_key"`
	Version    int       `json:"version"`
	ChunkIndex int       `json:"chunk_index"`
	Title      string    `json:"title,omitempty"`
	Content    string    `json:"content"`
	SourceType string    `json:"source_type,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	PHITier    string    `json:"phi_tier,omitempty"`
	PageStart  int       `json:"page_start,omitempty"`
	PageEnd    int       `json:"page_end,omitempty"`
	OrgID      string    `json:"org_id,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Superseded bool      `json:"superseded"`
	Vector     []float32 `json:"vector,omitempty"`
}

func newChunkSource(e domainrag.IndexEntry, withVector bool) chunkSource {
	p := e.Payload
	src := chunkSource{
		ChunkID:    e.ChunkID,
		DocumentID: p.DocumentID,
		DocKey:     p.DocKey,
		Version:    p.Version,
		ChunkIndex: p.ChunkIndex,
		Title:      p.Title,
		Content:    e.Text,
		SourceType: p.SourceType,
		Tags:       p.Tags,
		PHITier:    p.PHITier,
		PageStart:  p.PageStart,
		PageEnd:    p.PageEnd,
		OrgID:      p.OrgID,
		TenantID:   p.TenantID,
		Superseded: p.Superseded,
	}
	if withVector {
		src.Vector = e.Vector
	}
	return src
}

func (s chunkSource) hit(score float64) domainrag.SearchHit {
	return domainrag.SearchHit{
		ChunkID: s.ChunkID,
		Score:   score,
		Text:    s.Content,
		Payload: domainrag.ChunkPayload{
			DocumentID: s.DocumentID,
			DocKey:     s.DocKey,
			Version:    s.Version,
			ChunkIndex: s.ChunkIndex,
			Title:      s.Title,
			SourceType: s.SourceType,
			Tags:       s.Tags,
			PHITier:    s.PHITier,
			PageStart:  s.PageStart,
			PageEnd:    s.PageEnd,
			OrgID:      s.OrgID,
			TenantID:   s.TenantID,
			Superseded: s.Superseded,
		},
	}
}

// EnsureIndex 确保索引存在，如不存在则创建
func (c *Client) EnsureIndex(ctx context.Context, dims int) error {
	resp, err := c.doRequest(ctx, "HEAD", "/"+c.indexName, nil)
	if err != nil {
		return fmt.Errorf("check index existence: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode == 200 {
		applog.Info("[RAG/OpenSearch] Index already exists", "index", c.indexName)
		return nil
	}

	settings := map[string]interface{}{
		"index.knn": true,
	}
	properties := map[string]interface{}{
		"chunk_id":    map[string]string{"type": "keyword"},
		"document_id": map[string]string{"type": "keyword"},
		"doc_key":     map[string]string{"type": "keyword"},
		"version":     map[string]string{"type": "integer"},
		"chunk_index": map[string]string{"type": "integer"},
		"title":       map[string]string{"type": "text"},
		"content":     map[string]string{"type": "text"},
		"source_type": map[string]string{"type": "keyword"},
		"tags":        map[string]string{"type": "keyword"},
		"phi_tier":    map[string]string{"type": "keyword"},
		"page_start":  map[string]string{"type": "integer"},
		"page_end":    map[string]string{"type": "integer"},
		"org_id":      map[string]string{"type": "keyword"},
		"tenant_id":   map[string]string{"type": "keyword"},
		"superseded":  map[string]string{"type": "boolean"},
		"vector": map[string]interface{}{
			"type":      "knn_vector",
			"dimension": dims,
			"method": map[string]interface{}{
				"name":       "hnsw",
				"space_type": "cosinesimil",
				"engine":     "lucene",
			},
		},
	}

	mapping := map[string]interface{}{
		"settings": settings,
		"mappings": map[string]interface{}{
			"properties": properties,
		},
	}

	body, _ := json.Marshal(mapping)
	resp, err = c.doRequest(ctx, "PUT", "/"+c.indexName, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create index failed (%d): %s", resp.StatusCode, string(respBody))
	}

	applog.Info("[RAG/OpenSearch] Index created", "index", c.indexName, "dims", dims)
	return nil
}

// UpsertVectors 写入向量与元数据
func (c *Client) UpsertVectors(ctx context.Context, entries []domainrag.IndexEntry) error {
	return c.bulkUpsert(ctx, entries, true)
}

// UpsertTexts 写入词法文本与元数据
func (c *Client) UpsertTexts(ctx context.Context, entries []domainrag.IndexEntry) error {
	return c.bulkUpsert(ctx, entries, false)
}

// bulkUpsert 以 doc_as_upsert 合并写入，两路各自只覆盖自己的字段
func (c *Client) bulkUpsert(ctx context.Context, entries []domainrag.IndexEntry, withVector bool) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, e := range entries {
		action := map[string]interface{}{
			"update": map[string]interface{}{
				"_index": c.indexName,
				"_id":    e.ChunkID,
			},
		}
		actionLine, _ := json.Marshal(action)
		buf.Write(actionLine)
		buf.WriteByte('\n')

		docLine, err := json.Marshal(map[string]interface{}{
			"doc":           newChunkSource(e, withVector),
			"doc_as_upsert": true,
		})
		if err != nil {
			return fmt.Errorf("encode chunk %s: %w", e.ChunkID, err)
		}
		buf.Write(docLine)
		buf.WriteByte('\n')
	}

	resp, err := c.doRequest(ctx, "POST", "/_bulk?refresh=wait_for", &buf)
	if err != nil {
		return fmt.Errorf("bulk upsert: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		return fmt.Errorf("bulk upsert failed (%d): %s", resp.StatusCode, string(respBody))
	}
	var bulkResp struct {
		Errors bool `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &bulkResp); err == nil && bulkResp.Errors {
		return fmt.Errorf("bulk upsert reported item errors: %s", truncate(string(respBody), 512))
	}

	applog.Debug("[RAG/OpenSearch] Bulk upserted", "count", len(entries), "vector", withVector)
	return nil
}

// SearchVectors kNN 检索；lucene cosinesimil 分数 (1+cos)/2 还原为余弦相似度
func (c *Client) SearchVectors(ctx context.Context, vector []float32, topK int, filters domainrag.Filters) ([]domainrag.SearchHit, error) {
	if topK <= 0 {
		return nil, nil
	}
	knnQuery := map[string]interface{}{
		"vector": map[string]interface{}{
			"vector": vector,
			"k":      topK,
			"filter": map[string]interface{}{
				"bool": map[string]interface{}{
					"filter": buildFilters(filters),
				},
			},
		},
	}
	query := map[string]interface{}{
		"size":  topK,
		"query": map[string]interface{}{"knn": knnQuery},
		"sort":  scoreThenID,
	}

	hits, err := c.executeSearch(ctx, query)
	if err != nil {
		return nil, err
	}
	for i := range hits {
		hits[i].Score = 2*hits[i].Score - 1
	}
	return hits, nil
}

// SearchText BM25 检索，任一词命中即可
func (c *Client) SearchText(ctx context.Context, query string, topK int, filters domainrag.Filters) ([]domainrag.SearchHit, error) {
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return nil, nil
	}
	must := []interface{}{
		map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":    query,
				"fields":   []string{"title^2", "content"},
				"operator": "or",
			},
		},
	}
	body := map[string]interface{}{
		"size": topK,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   must,
				"filter": buildFilters(filters),
			},
		},
		"sort": scoreThenID,
	}
	return c.executeSearch(ctx, body)
}

var scoreThenID = []interface{}{
	map[string]string{"_score": "desc"},
	map[string]string{"chunk_id": "asc"},
}

// MarkSuperseded 按 document_id 将分块标记为 superseded
func (c *Client) MarkSuperseded(ctx context.Context, documentID string) error {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]string{"document_id": documentID},
		},
		"script": map[string]interface{}{
			"source": "ctx._source.superseded = true",
			"lang":   "painless",
		},
	}
	body, _ := json.Marshal(query)

	resp, err := c.doRequest(ctx, "POST", "/"+c.indexName+"/_update_by_query?conflicts=proceed&refresh=true", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mark superseded failed (%d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// buildFilters 元数据过滤，始终排除 superseded
func buildFilters(f domainrag.Filters) []interface{} {
	filters := []interface{}{
		map[string]interface{}{"term": map[string]bool{"superseded": false}},
	}
	if f.OrgID != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]string{"org_id": f.OrgID},
		})
	}
	if f.TenantID != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]string{"tenant_id": f.TenantID},
		})
	}
	terms := func(field string, values []string) {
		if len(values) > 0 {
			filters = append(filters, map[string]interface{}{
				"terms": map[string]interface{}{field: values},
			})
		}
	}
	terms("source_type", f.SourceTypes)
	terms("phi_tier", f.PHITiers)
	terms("doc_key", f.DocKeys)
	terms("tags", f.Tags)
	return filters
}

// executeSearch 执行 OpenSearch 查询并解析结果
func (c *Client) executeSearch(ctx context.Context, query map[string]interface{}) ([]domainrag.SearchHit, error) {
	body, _ := json.Marshal(query)
	resp, err := c.doRequest(ctx, "POST", "/"+c.indexName+"/_search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("search failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var osResp struct {
		Hits struct {
			Hits []struct {
				ID     string          `json:"_id"`
				Score  float64         `json:"_score"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(respBody, &osResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	hits := make([]domainrag.SearchHit, 0, len(osResp.Hits.Hits))
	for _, hit := range osResp.Hits.Hits {
		var src chunkSource
		if err := json.Unmarshal(hit.Source, &src); err != nil {
			applog.Warn("[RAG/OpenSearch] Failed to parse hit source", "id", hit.ID, "error", err)
			continue
		}
		if src.ChunkID == "" {
			src.ChunkID = hit.ID
		}
		hits = append(hits, src.hit(hit.Score))
	}
	return hits, nil
}

// Ping 检查 OpenSearch 连通性
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, "GET", "/", nil)
	if err != nil {
		return fmt.Errorf("ping opensearch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("opensearch returned status %d", resp.StatusCode)
	}
	return nil
}

// doRequest 执行 HTTP 请求
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	return c.httpClient.Do(req)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
