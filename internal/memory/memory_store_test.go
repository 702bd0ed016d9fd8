package memory

import (
	"context"
	"testing"
	"time"
)

func TestStubAppendAndSummarize(t *testing.T) {
	s := NewStub()
	ctx := context.Background()

	if err := s.Append(ctx, "session:telegram:u1", "pre_compaction_flush", "user said hi", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	summary, err := s.Summarize(ctx, "session:telegram:u1", 0)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary == "" {
		t.Fatal("expected non-empty summary")
	}
}

func TestStubSummarizeEmptyNamespace(t *testing.T) {
	s := NewStub()
	summary, err := s.Summarize(context.Background(), "session:nobody", time.Hour)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary != "No prior history." {
		t.Fatalf("expected fallback text, got %q", summary)
	}
}

func TestStubSearchRanksSubstringMatchesFirst(t *testing.T) {
	s := NewStub()
	ctx := context.Background()
	ns := "session:telegram:u1"

	if err := s.Append(ctx, ns, "note", "the weather is nice today", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, ns, "note", "user asked about flight delays", nil); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, ns, "flight", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Content != "user asked about flight delays" {
		t.Fatalf("expected substring match ranked first, got %q", results[0].Content)
	}
}

func TestStubSearchNamespaceIsolation(t *testing.T) {
	s := NewStub()
	ctx := context.Background()

	if err := s.Append(ctx, "session:a", "note", "alpha", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, "session:b", "note", "beta", nil); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "session:a", "", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Content != "alpha" {
		t.Fatalf("expected only namespace a's entry, got %+v", results)
	}
}
