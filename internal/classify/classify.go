// Package classify decides, per request, whether the cache proxy may touch the
// cache at all. Dynamic backend traffic (generative-AI calls, document-store
// RPCs, any non-GET) is classified as bypass and must never be served from or
// written to a cache generation.
package classify

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Class 是请求的分类结果。
type Class string

const (
	Bypass    Class = "bypass"
	Cacheable Class = "cacheable"
)

// MethodRule 是非 GET 请求命中的内置规则名。
const MethodRule = "method"

// Decision 记录分类结果以及命中的规则名（cacheable 时为空）。
type Decision struct {
	Class Class
	Rule  string
}

// Bypassed reports whether the request must skip the cache.
func (d Decision) Bypassed() bool {
	return d.Class == Bypass
}

// Classifier 是可插拔的分类谓词。
type Classifier interface {
	Classify(req *http.Request) Decision
}

// Func adapts a function to the Classifier interface.
type Func func(req *http.Request) Decision

// Classify makes Func satisfy Classifier.
func (f Func) Classify(req *http.Request) Decision {
	return f(req)
}

// Set 按顺序应用一组规则，第一个匹配的规则决定 bypass。
type Set struct {
	rules []Rule
}

// Options 描述由配置生成分类器所需的输入。
type Options struct {
	// Rules 是注册表中的规则名，例如 genai、firestore。
	Rules []string
	// Origins/Paths 是额外的子串匹配，分别作用于 origin（scheme://host）与 path。
	Origins []string
	Paths   []string
}

// NewSet 解析规则名并追加自定义子串规则；未注册的规则名返回错误。
func NewSet(opts Options) (*Set, error) {
	set := &Set{}
	for _, name := range opts.Rules {
		rule, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("classify rule %q is not registered", name)
		}
		set.rules = append(set.rules, rule)
	}
	for _, needle := range opts.Origins {
		if needle = strings.TrimSpace(needle); needle != "" {
			set.rules = append(set.rules, OriginContains("origin:"+needle, needle))
		}
	}
	for _, needle := range opts.Paths {
		if needle = strings.TrimSpace(needle); needle != "" {
			set.rules = append(set.rules, PathContains("path:"+needle, needle))
		}
	}
	return set, nil
}

// Rules 返回生效规则的副本，供诊断接口输出。
func (s *Set) Rules() []Rule {
	if s == nil {
		return nil
	}
	return append([]Rule(nil), s.rules...)
}

// Classify 实现 Classifier：非 GET 一律 bypass，其余按规则匹配 URL。
func (s *Set) Classify(req *http.Request) Decision {
	if req == nil || req.URL == nil {
		return Decision{Class: Bypass, Rule: MethodRule}
	}
	if method := strings.ToUpper(req.Method); method != "" && method != http.MethodGet {
		return Decision{Class: Bypass, Rule: MethodRule}
	}
	if s != nil {
		for _, rule := range s.rules {
			if rule.Match != nil && rule.Match(req.URL) {
				return Decision{Class: Bypass, Rule: rule.Name}
			}
		}
	}
	return Decision{Class: Cacheable}
}

// OriginContains 构造匹配 origin 子串的规则。
func OriginContains(name, needle string) Rule {
	needle = strings.ToLower(needle)
	return Rule{
		Name:        name,
		Description: fmt.Sprintf("origin contains %q", needle),
		Match: func(u *url.URL) bool {
			return strings.Contains(originOf(u), needle)
		},
	}
}

// PathContains 构造匹配 path 子串的规则。
func PathContains(name, needle string) Rule {
	return Rule{
		Name:        name,
		Description: fmt.Sprintf("path contains %q", needle),
		Match: func(u *url.URL) bool {
			return strings.Contains(u.Path, needle)
		},
	}
}

func originOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
