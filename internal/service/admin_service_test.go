package service

import (
	"context"
	"testing"

	"ragchat-go/internal/repository"
)

type stubUsage struct {
	repository.UsageRepository
	counters map[string]map[string]int64
}

func (s stubUsage) GetDocument(ctx context.Context, slug string) (map[string]int64, error) {
	return s.counters[slug], nil
}

func TestAdminDocumentUsage(t *testing.T) {
	usage := stubUsage{counters: map[string]map[string]int64{
		"handbook": {UsageQueries: 12, UsageChunks: 80, UsageBanned: 1, UsageFailed: 2},
	}}
	svc := NewAdminService(nil, usage)

	got, err := svc.DocumentUsage(context.Background(), "handbook")
	if err != nil {
		t.Fatalf("DocumentUsage: %v", err)
	}
	want := DocumentUsage{Document: "handbook", Queries: 12, Chunks: 80, Banned: 1, Failed: 2}
	if *got != want {
		t.Errorf("DocumentUsage() = %+v, want %+v", *got, want)
	}

	empty, err := svc.DocumentUsage(context.Background(), "unused")
	if err != nil || empty.Queries != 0 {
		t.Errorf("DocumentUsage(unused) = %+v, %v", empty, err)
	}

	none, err := NewAdminService(nil, nil).DocumentUsage(context.Background(), "handbook")
	if err != nil || none.Document != "handbook" || none.Queries != 0 {
		t.Errorf("without repository = %+v, %v", none, err)
	}
}
