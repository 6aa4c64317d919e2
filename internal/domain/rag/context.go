package rag

import "context"

// ── Caller context 注入（避免 import cycle）──────────────────

// Caller 调用方身份与权限上下文。引擎不解释权限，只透传给存储与检索做作用域隔离。
type Caller struct {
	Subject  string   `json:"subject,omitempty"`
	OrgID    string   `json:"org_id,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	// Token 原始凭证，仅透传
	Token string `json:"-"`
}

// Anonymous 未鉴权调用方
var Anonymous = Caller{Subject: "anonymous"}

type callerContextKey struct{}

// WithCaller 注入 Caller 到 context
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, c)
}

// CallerFrom 从 context 提取 Caller，缺失时返回 Anonymous
func CallerFrom(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerContextKey{}).(Caller); ok {
		return c
	}
	return Anonymous
}

// Namespace doc_key 的唯一性范围：同一 doc_key 在不同组织/租户下是互不相关的文档
type Namespace struct {
	OrgID    string `json:"org_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// Namespace 调用方写入与查询 doc_key 的范围
func (c Caller) Namespace() Namespace {
	return Namespace{OrgID: c.OrgID, TenantID: c.TenantID}
}

// Namespace 文档所属范围
func (d *Document) Namespace() Namespace {
	return Namespace{OrgID: d.OrgID, TenantID: d.TenantID}
}

// Scope 将调用方作用域叠加到过滤条件
func (c Caller) Scope(f Filters) Filters {
	f.OrgID = c.OrgID
	f.TenantID = c.TenantID
	return f
}
