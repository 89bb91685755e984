package classify

import (
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Rule 是一个具名的 bypass 谓词。
type Rule struct {
	Name        string
	Description string
	Match       func(u *url.URL) bool
}

var registry sync.Map

// ErrDuplicateRule indicates a rule name already has a predicate registered.
var ErrDuplicateRule = errors.New("classify rule already registered")

// Register stores a rule under its normalized name.
func Register(rule Rule) error {
	key := normalizeKey(rule.Name)
	if key == "" {
		return errors.New("rule name required")
	}
	if rule.Match == nil {
		return errors.New("rule predicate required")
	}
	rule.Name = key
	if _, loaded := registry.LoadOrStore(key, rule); loaded {
		return ErrDuplicateRule
	}
	return nil
}

// MustRegister panics on registration failure; suitable for init().
func MustRegister(rule Rule) {
	if err := Register(rule); err != nil {
		panic(err)
	}
}

// Lookup retrieves the rule registered under name.
func Lookup(name string) (Rule, bool) {
	key := normalizeKey(name)
	if key == "" {
		return Rule{}, false
	}
	if value, ok := registry.Load(key); ok {
		if rule, ok := value.(Rule); ok {
			return rule, true
		}
	}
	return Rule{}, false
}

// List 返回按名称排序的已注册规则。
func List() []Rule {
	var rules []Rule
	registry.Range(func(_, value any) bool {
		if rule, ok := value.(Rule); ok {
			rules = append(rules, rule)
		}
		return true
	})
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// Status returns registration status for a rule name.
func Status(name string) string {
	if _, ok := Lookup(name); ok {
		return "registered"
	}
	return "missing"
}

// Snapshot returns status for a list of rule names.
func Snapshot(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if normalized := normalizeKey(name); normalized != "" {
			out[normalized] = Status(normalized)
		}
	}
	return out
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
