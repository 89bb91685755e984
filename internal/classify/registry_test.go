package classify

import (
	"net/url"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	rule := Rule{Name: "Test-Lookup", Match: func(*url.URL) bool { return true }}
	if err := Register(rule); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	got, ok := Lookup("test-lookup")
	if !ok {
		t.Fatalf("expected lookup ok")
	}
	if got.Name != "test-lookup" {
		t.Fatalf("规则名应被规范化，得到 %s", got.Name)
	}
	if Status("TEST-LOOKUP") != "registered" {
		t.Fatalf("expected registered status")
	}
	if Status("missing-rule") != "missing" {
		t.Fatalf("expected missing status")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	rule := Rule{Name: "dup-rule", Match: func(*url.URL) bool { return false }}
	if err := Register(rule); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := Register(rule); err != ErrDuplicateRule {
		t.Fatalf("expected ErrDuplicateRule, got %v", err)
	}
}

func TestRegisterRequiresPredicate(t *testing.T) {
	if err := Register(Rule{Name: "no-predicate"}); err == nil {
		t.Fatalf("缺少谓词应报错")
	}
	if err := Register(Rule{Match: func(*url.URL) bool { return true }}); err == nil {
		t.Fatalf("缺少名称应报错")
	}
}

func TestBuiltinsRegistered(t *testing.T) {
	snap := Snapshot(append(DefaultRules(), "unknown"))
	if snap[RuleGenAI] != "registered" || snap[RuleFirestore] != "registered" {
		t.Fatalf("内置规则应已注册: %v", snap)
	}
	if snap["unknown"] != "missing" {
		t.Fatalf("expected unknown missing, got %s", snap["unknown"])
	}

	names := map[string]bool{}
	for _, rule := range List() {
		names[rule.Name] = true
	}
	if !names[RuleGenAI] || !names[RuleFirestore] {
		t.Fatalf("List 应包含内置规则: %v", names)
	}
}
