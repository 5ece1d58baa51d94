package groups

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingResolver struct {
	calls  int
	groups map[string][]string
	err    error
}

func (r *countingResolver) Groups(_ context.Context, user string) ([]string, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.groups[user], nil
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string][]string{
		"alice": {"eng", "data", "eng", ""},
	})

	groups, err := r.Groups(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Groups failed: %v", err)
	}
	if len(groups) != 2 || groups[0] != "data" || groups[1] != "eng" {
		t.Errorf("Expected deduplicated sorted groups, got %v", groups)
	}

	groups, err = r.Groups(context.Background(), "nobody")
	if err != nil || len(groups) != 0 {
		t.Errorf("Expected no groups for unknown user, got %v err=%v", groups, err)
	}
}

func TestStaticResolverReplace(t *testing.T) {
	r := NewStaticResolver(map[string][]string{"alice": {"eng"}})
	r.Replace(map[string][]string{"alice": {"data"}})

	groups, err := r.Groups(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Groups failed: %v", err)
	}
	if len(groups) != 1 || groups[0] != "data" {
		t.Errorf("Expected replaced mapping, got %v", groups)
	}
}

func TestCachedResolverMemoizes(t *testing.T) {
	inner := &countingResolver{groups: map[string][]string{"alice": {"eng"}}}
	r := NewCachedResolver(inner, 16, time.Minute)

	for i := 0; i < 3; i++ {
		groups, err := r.Groups(context.Background(), "alice")
		if err != nil {
			t.Fatalf("Groups failed: %v", err)
		}
		if len(groups) != 1 || groups[0] != "eng" {
			t.Errorf("Unexpected groups: %v", groups)
		}
	}
	if inner.calls != 1 {
		t.Errorf("Expected one resolver call, got %d", inner.calls)
	}

	r.Invalidate("alice")
	if _, err := r.Groups(context.Background(), "alice"); err != nil {
		t.Fatalf("Groups failed: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("Expected resolver call after invalidation, got %d", inner.calls)
	}
}

func TestCachedResolverDoesNotCacheErrors(t *testing.T) {
	inner := &countingResolver{err: errors.New("ldap unavailable")}
	r := NewCachedResolver(inner, 16, time.Minute)

	if _, err := r.Groups(context.Background(), "alice"); err == nil {
		t.Fatal("Expected error from inner resolver")
	}

	inner.err = nil
	inner.groups = map[string][]string{"alice": {"eng"}}
	groups, err := r.Groups(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Groups failed after recovery: %v", err)
	}
	if len(groups) != 1 || groups[0] != "eng" {
		t.Errorf("Unexpected groups after recovery: %v", groups)
	}
	if inner.calls != 2 {
		t.Errorf("Expected two resolver calls, got %d", inner.calls)
	}
}

func TestCachedResolverCopiesResults(t *testing.T) {
	inner := &countingResolver{groups: map[string][]string{"alice": {"eng", "data"}}}
	r := NewCachedResolver(inner, 16, time.Minute)

	first, err := r.Groups(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Groups failed: %v", err)
	}
	first[0] = "mutated"

	second, err := r.Groups(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Groups failed: %v", err)
	}
	if second[0] != "eng" {
		t.Errorf("Cached slice was aliased by a caller: %v", second)
	}
}
