package service

import (
	"context"
	"fmt"
	"regexp"

	"ragchat-go/internal/config"
)

// ModerationDecision 是对入站消息的审核结论，在生成任何记录之前确定。
type ModerationDecision struct {
	ShouldBan bool   `json:"shouldBan"`
	Reason    string `json:"reason,omitempty"`
}

// ModerationGate 同步审核用户消息。
type ModerationGate interface {
	Screen(ctx context.Context, message string) ModerationDecision
}

type moderationRule struct {
	re     *regexp.Regexp
	reason string
}

type regexModerationGate struct {
	rules []moderationRule
}

// defaultModerationRules 在配置未提供规则时使用。
var defaultModerationRules = []config.ModerationRule{
	{Pattern: `ignore (all )?(previous|prior) instructions`, Reason: "prompt_injection"},
	{Pattern: `\b(kill|murder)\s+(yourself|urself)\b`, Reason: "self_harm_incitement"},
	{Pattern: `\b(credit card|social security) numbers? (dump|list)\b`, Reason: "data_exfiltration"},
}

// NewModerationGate 编译审核规则，规则均为大小写不敏感的正则。
func NewModerationGate(rules []config.ModerationRule) (ModerationGate, error) {
	if len(rules) == 0 {
		rules = defaultModerationRules
	}
	g := &regexModerationGate{}
	for _, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid moderation pattern %q: %w", r.Pattern, err)
		}
		reason := r.Reason
		if reason == "" {
			reason = "policy_violation"
		}
		g.rules = append(g.rules, moderationRule{re: re, reason: reason})
	}
	return g, nil
}

// Screen 返回第一条命中规则的原因。
func (g *regexModerationGate) Screen(_ context.Context, message string) ModerationDecision {
	for _, r := range g.rules {
		if r.re.MatchString(message) {
			return ModerationDecision{ShouldBan: true, Reason: r.reason}
		}
	}
	return ModerationDecision{}
}
