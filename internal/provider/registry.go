package provider

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrProviderNotFound 未注册的 LLM 供应商
var ErrProviderNotFound = errors.New("llm provider not found")

var registry = struct {
	sync.RWMutex
	byName map[string]LLMProvider
}{byName: make(map[string]LLMProvider)}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RegisterProvider 以 Name() 及可选别名注册供应商，同名覆盖。
// 打分器与生成器按配置中的名称查找，例如 "openai" 或别名 "gpt"。
func RegisterProvider(p LLMProvider, aliases ...string) {
	registry.Lock()
	defer registry.Unlock()
	registry.byName[normalizeName(p.Name())] = p
	for _, a := range aliases {
		if a = normalizeName(a); a != "" {
			registry.byName[a] = p
		}
	}
}

// GetProvider 按名称查找（大小写不敏感）
func GetProvider(name string) (LLMProvider, error) {
	registry.RLock()
	p, ok := registry.byName[normalizeName(name)]
	registry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}
	return p, nil
}

// ListProviders 已注册名称（含别名），按字典序
func ListProviders() []string {
	registry.RLock()
	names := make([]string, 0, len(registry.byName))
	for name := range registry.byName {
		names = append(names, name)
	}
	registry.RUnlock()
	slices.Sort(names)
	return names
}
