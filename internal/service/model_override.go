package service

import (
	"fmt"

	"ragchat-go/pkg/llm"
)

// 覆盖来源
const (
	OverrideSourceDocument  = "document"
	OverrideSourceOwner     = "owner"
	OverrideSourceConsensus = "multi-document-consensus"
	OverrideSourceReasoning = "multi-document-reasoning"
)

// ModelOverrideDecision 记录请求后端与实际使用后端之间的决策。
type ModelOverrideDecision struct {
	Requested llm.Backend `json:"requested"`
	Effective llm.Backend `json:"effective"`
	Source    string      `json:"source,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// Overridden 表示实际后端来自覆盖规则。
func (d ModelOverrideDecision) Overridden() bool {
	return d.Source != ""
}

// DecideModel 根据请求后端与租户/文档的强制规则计算实际后端。
// 优先级：文档 > 租户；多文档存在分歧或任一要求 reasoning 时一律升级为 reasoning。
func DecideModel(requested llm.Backend, slugs []string, oc OwnerContext) ModelOverrideDecision {
	d := ModelOverrideDecision{Requested: requested, Effective: requested}
	if !requested.Overridable() {
		return d
	}

	if len(slugs) <= 1 {
		if len(slugs) == 1 {
			if b, ok := oc.DocumentOverrides[slugs[0]]; ok {
				d.Effective = b
				d.Source = OverrideSourceDocument
				d.Reason = fmt.Sprintf("document %s forces %s", slugs[0], b)
				return d
			}
		}
		if oc.OwnerDefault != nil {
			d.Effective = *oc.OwnerDefault
			d.Source = OverrideSourceOwner
			d.Reason = fmt.Sprintf("owner forces %s", *oc.OwnerDefault)
		}
		return d
	}

	var forced []llm.Backend
	var forcedBy []string
	for _, slug := range slugs {
		if b, ok := oc.DocumentOverrides[slug]; ok {
			forced = append(forced, b)
			forcedBy = append(forcedBy, slug)
		}
	}

	if len(forced) == 0 {
		if oc.SharedOwner && oc.OwnerDefault != nil {
			d.Effective = *oc.OwnerDefault
			d.Source = OverrideSourceOwner
			d.Reason = fmt.Sprintf("shared owner forces %s", *oc.OwnerDefault)
		}
		return d
	}

	agree := true
	anyReasoning := false
	for _, b := range forced {
		if b != forced[0] {
			agree = false
		}
		if b == llm.BackendReasoning {
			anyReasoning = true
		}
	}

	if !agree || anyReasoning {
		d.Effective = llm.BackendReasoning
		d.Source = OverrideSourceReasoning
		if agree {
			d.Reason = fmt.Sprintf("documents %v force reasoning", forcedBy)
		} else {
			d.Reason = fmt.Sprintf("conflicting overrides on documents %v, escalated to reasoning", forcedBy)
		}
		return d
	}

	d.Effective = forced[0]
	d.Source = OverrideSourceConsensus
	d.Reason = fmt.Sprintf("documents %v agree on %s", forcedBy, forced[0])
	return d
}
