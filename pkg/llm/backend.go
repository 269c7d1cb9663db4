package llm

import "strings"

// Backend 是生成后端的封闭枚举，新增后端只需在配置表中加一项。
type Backend string

const (
	BackendGeneral   Backend = "general"
	BackendFast      Backend = "fast"
	BackendReasoning Backend = "reasoning"
	BackendLocal     Backend = "local"
)

// Backends 列出所有已知后端。
var Backends = []Backend{BackendGeneral, BackendFast, BackendReasoning, BackendLocal}

// ParseBackend 解析后端标识，未知值返回 false。
func ParseBackend(s string) (Backend, bool) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Backends {
		if b == known {
			return b, true
		}
	}
	return "", false
}

// Overridable 表示该后端可被租户或文档的强制模型规则覆盖。
// 只有同一模型家族的 fast 与 reasoning 两个变体可以互相替换。
func (b Backend) Overridable() bool {
	return b == BackendFast || b == BackendReasoning
}
