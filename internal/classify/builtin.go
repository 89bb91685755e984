package classify

// 内置规则：生成式 AI 接口与文档存储接口均不可缓存。
const (
	RuleGenAI     = "genai"
	RuleFirestore = "firestore"
)

// DefaultRules 是未配置 Bypass.Rules 时启用的规则。
func DefaultRules() []string {
	return []string{RuleGenAI, RuleFirestore}
}

func init() {
	genai := OriginContains(RuleGenAI, "googleapis.com")
	genai.Description = "generative-AI service domain (origin contains googleapis.com)"
	MustRegister(genai)

	firestore := PathContains(RuleFirestore, "firestore")
	firestore.Description = "document-store RPC path (path contains firestore)"
	MustRegister(firestore)
}
