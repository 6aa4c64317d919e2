package rag

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	applog "ragweave/internal/platform/log"
)

// ExpansionTable 同义词/缩写表（YAML 文件格式）
type ExpansionTable struct {
	Abbreviations map[string][]string `yaml:"abbreviations"`
	Synonyms      map[string][]string `yaml:"synonyms"`
}

// DefaultExpansionTable 内置表
func DefaultExpansionTable() ExpansionTable {
	return ExpansionTable{
		Abbreviations: map[string][]string{
			"mi":   {"myocardial infarction"},
			"htn":  {"hypertension"},
			"dm":   {"diabetes mellitus"},
			"bp":   {"blood pressure"},
			"hr":   {"heart rate"},
			"copd": {"chronic obstructive pulmonary disease"},
			"chf":  {"congestive heart failure"},
			"afib": {"atrial fibrillation"},
			"sob":  {"shortness of breath"},
			"uti":  {"urinary tract infection"},
			"ckd":  {"chronic kidney disease"},
			"ed":   {"emergency department"},
		},
		Synonyms: map[string][]string{
			"heart attack":        {"myocardial infarction"},
			"high blood pressure": {"hypertension"},
			"kidney":              {"renal"},
			"dose":                {"dosage"},
			"side effect":         {"adverse effect"},
		},
	}
}

// LoadExpansionTable 从 YAML 文件加载；path 为空时返回内置表
func LoadExpansionTable(path string) (ExpansionTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultExpansionTable(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ExpansionTable{}, fmt.Errorf("read synonym file: %w", err)
	}
	var t ExpansionTable
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return ExpansionTable{}, fmt.Errorf("parse synonym file %s: %w", path, err)
	}
	applog.Info("[RAG/Expander] Synonym table loaded",
		"path", path,
		"abbreviations", len(t.Abbreviations),
		"synonyms", len(t.Synonyms),
	)
	return t, nil
}

// TermGroup 查询中的一个词或短语，以及它的 OR 扩展
type TermGroup struct {
	Term         string   `json:"term"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// Expansion 查询扩展结果
type Expansion struct {
	Raw        string      `json:"raw"`
	Normalized string      `json:"normalized"`
	Groups     []TermGroup `json:"groups"`
}

// Expanded 是否有任何扩展
func (e Expansion) Expanded() bool {
	for _, g := range e.Groups {
		if len(g.Alternatives) > 0 {
			return true
		}
	}
	return false
}

// LexicalQuery 词法检索用的查询：原词与扩展词去重后拼接（各后端按 OR 语义匹配）
func (e Expansion) LexicalQuery() string {
	seen := make(map[string]bool)
	var terms []string
	add := func(phrase string) {
		for _, t := range Terms(phrase) {
			if !seen[t] {
				seen[t] = true
				terms = append(terms, t)
			}
		}
	}
	for _, g := range e.Groups {
		add(g.Term)
		for _, alt := range g.Alternatives {
			add(alt)
		}
	}
	return strings.Join(terms, " ")
}

// Expander 基于静态表的保守扩展：整词匹配，不区分大小写，原词始终保留
type Expander struct {
	table     map[string][]string
	maxPhrase int
}

// NewExpander 合并缩写与同义词表
func NewExpander(t ExpansionTable) *Expander {
	e := &Expander{table: make(map[string][]string), maxPhrase: 1}
	merge := func(src map[string][]string) {
		for k, alts := range src {
			key := strings.Join(Terms(k), " ")
			if key == "" {
				continue
			}
			for _, a := range alts {
				a = strings.Join(Terms(a), " ")
				if a != "" && a != key && !containsString(e.table[key], a) {
					e.table[key] = append(e.table[key], a)
				}
			}
			if n := len(strings.Fields(key)); n > e.maxPhrase {
				e.maxPhrase = n
			}
		}
	}
	merge(t.Abbreviations)
	merge(t.Synonyms)
	for k := range e.table {
		sort.Strings(e.table[k])
	}
	return e
}

// Size 表项数
func (e *Expander) Size() int { return len(e.table) }

// Expand 规范化查询并按最长短语优先匹配扩展
func (e *Expander) Expand(query string) Expansion {
	tokens := Terms(query)
	exp := Expansion{Raw: query, Normalized: strings.Join(tokens, " ")}

	for i := 0; i < len(tokens); {
		matched := false
		for n := min(e.maxPhrase, len(tokens)-i); n >= 1; n-- {
			phrase := strings.Join(tokens[i:i+n], " ")
			if alts, ok := e.table[phrase]; ok {
				exp.Groups = append(exp.Groups, TermGroup{
					Term:         phrase,
					Alternatives: append([]string(nil), alts...),
				})
				i += n
				matched = true
				break
			}
		}
		if !matched {
			exp.Groups = append(exp.Groups, TermGroup{Term: tokens[i]})
			i++
		}
	}
	return exp
}
