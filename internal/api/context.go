package api

import (
	"net/http"

	"ragweave/internal/domain/rag"
)

// callerOf 请求的调用方（中间件保证存在，缺失时为匿名）
func callerOf(r *http.Request) rag.Caller {
	return rag.CallerFrom(r.Context())
}

// visible 文档是否在调用方作用域内
func visible(c rag.Caller, doc *rag.Document) bool {
	if c.OrgID != "" && doc.OrgID != c.OrgID {
		return false
	}
	if c.TenantID != "" && doc.TenantID != c.TenantID {
		return false
	}
	return true
}
