package service

import (
	"testing"

	"ragchat-go/pkg/llm"
)

func backendPtr(b llm.Backend) *llm.Backend { return &b }

func TestDecideModel(t *testing.T) {
	tests := []struct {
		name       string
		requested  llm.Backend
		slugs      []string
		oc         OwnerContext
		wantModel  llm.Backend
		wantSource string
	}{
		{
			name:      "non-overridable passes through",
			requested: llm.BackendGeneral,
			slugs:     []string{"a"},
			oc: OwnerContext{
				OwnerDefault:      backendPtr(llm.BackendReasoning),
				DocumentOverrides: map[string]llm.Backend{"a": llm.BackendReasoning},
			},
			wantModel: llm.BackendGeneral,
		},
		{
			name:      "single document without overrides",
			requested: llm.BackendFast,
			slugs:     []string{"a"},
			wantModel: llm.BackendFast,
		},
		{
			name:      "document beats owner",
			requested: llm.BackendFast,
			slugs:     []string{"a"},
			oc: OwnerContext{
				SharedOwner:       true,
				OwnerDefault:      backendPtr(llm.BackendFast),
				DocumentOverrides: map[string]llm.Backend{"a": llm.BackendReasoning},
			},
			wantModel:  llm.BackendReasoning,
			wantSource: OverrideSourceDocument,
		},
		{
			name:       "owner applies to single document",
			requested:  llm.BackendReasoning,
			slugs:      []string{"a"},
			oc:         OwnerContext{SharedOwner: true, OwnerDefault: backendPtr(llm.BackendFast)},
			wantModel:  llm.BackendFast,
			wantSource: OverrideSourceOwner,
		},
		{
			name:      "one override among several documents",
			requested: llm.BackendFast,
			slugs:     []string{"a", "b", "c"},
			oc: OwnerContext{
				SharedOwner:       true,
				DocumentOverrides: map[string]llm.Backend{"b": llm.BackendFast},
			},
			wantModel:  llm.BackendFast,
			wantSource: OverrideSourceConsensus,
		},
		{
			name:      "conflict escalates to reasoning",
			requested: llm.BackendFast,
			slugs:     []string{"a", "b"},
			oc: OwnerContext{
				DocumentOverrides: map[string]llm.Backend{"a": llm.BackendFast, "b": llm.BackendReasoning},
			},
			wantModel:  llm.BackendReasoning,
			wantSource: OverrideSourceReasoning,
		},
		{
			name:      "agreeing reasoning overrides escalate",
			requested: llm.BackendFast,
			slugs:     []string{"a", "b"},
			oc: OwnerContext{
				DocumentOverrides: map[string]llm.Backend{"a": llm.BackendReasoning, "b": llm.BackendReasoning},
			},
			wantModel:  llm.BackendReasoning,
			wantSource: OverrideSourceReasoning,
		},
		{
			name:      "owner ignored across owners",
			requested: llm.BackendFast,
			slugs:     []string{"a", "b"},
			oc: OwnerContext{
				SharedOwner:  false,
				OwnerDefault: backendPtr(llm.BackendReasoning),
			},
			wantModel: llm.BackendFast,
		},
		{
			name:       "shared owner applies to several documents",
			requested:  llm.BackendFast,
			slugs:      []string{"a", "b"},
			oc:         OwnerContext{SharedOwner: true, OwnerDefault: backendPtr(llm.BackendReasoning)},
			wantModel:  llm.BackendReasoning,
			wantSource: OverrideSourceOwner,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecideModel(tt.requested, tt.slugs, tt.oc)
			if d.Effective != tt.wantModel {
				t.Errorf("Effective = %q, want %q", d.Effective, tt.wantModel)
			}
			if d.Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", d.Source, tt.wantSource)
			}
			if d.Requested != tt.requested {
				t.Errorf("Requested = %q, want %q", d.Requested, tt.requested)
			}
		})
	}
}

func TestDecideModelConflictAlwaysReasoning(t *testing.T) {
	variants := []llm.Backend{llm.BackendFast, llm.BackendReasoning}
	for _, requested := range variants {
		for _, first := range variants {
			for _, second := range variants {
				if first == second {
					continue
				}
				oc := OwnerContext{DocumentOverrides: map[string]llm.Backend{"x": first, "y": second}}
				if d := DecideModel(requested, []string{"x", "y", "z"}, oc); d.Effective != llm.BackendReasoning {
					t.Errorf("DecideModel(%s, %s/%s) = %s, want reasoning", requested, first, second, d.Effective)
				}
			}
		}
	}
}
