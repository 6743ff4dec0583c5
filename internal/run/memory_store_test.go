package run

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	runs := []*Run{
		{ID: "r1", Target: "counter", Kind: KindAgent, Status: StatusPending, MaxRetries: 3},
		{ID: "r2", Target: "counter", Kind: KindAgent, Status: StatusFailed, MaxRetries: 3},
		{ID: "r3", Target: "release", Kind: KindWorkflow, Status: StatusSucceeded, MaxRetries: 3},
	}

	for _, r := range runs {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("create run %s: %v", r.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "r2", CodeRunProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "r3", Outcome{Output: "ok", Steps: 4}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.runs["r1"].UpdatedAt = base.Unix()
	store.runs["r2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.runs["r3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	if all[0].ID != "r3" {
		t.Fatalf("expected newest run first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "r2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	workflows, err := store.List(ctx, buildListOptions([]ListOption{WithKinds(KindWorkflow)}))
	if err != nil {
		t.Fatalf("list workflows: %v", err)
	}
	if len(workflows) != 1 || workflows[0].ID != "r3" {
		t.Fatalf("unexpected workflow list: %+v", workflows)
	}

	byTarget, err := store.List(ctx, buildListOptions([]ListOption{WithTarget("counter")}))
	if err != nil {
		t.Fatalf("list by target: %v", err)
	}
	if len(byTarget) != 2 {
		t.Fatalf("expected 2 runs for target counter, got %d", len(byTarget))
	}

	withResult, err := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if len(withResult) != 1 || withResult[0].ID != "r3" {
		t.Fatalf("unexpected result list: %+v", withResult)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 runs to match since filter, got %d", len(recent))
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Run{ID: "r1", Target: "counter", Kind: KindAgent, Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.Claim(ctx, "r1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed run: %+v", claimed)
	}

	// 运行中的运行不可重复领取。
	if _, err := store.Claim(ctx, "r1"); !IsRunError(err, CodeRunConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := store.MarkFailed(ctx, "r1", CodeRunProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); err != nil {
		t.Fatalf("reclaim after failure: %v", err)
	}
	if err := store.MarkFailed(ctx, "r1", CodeRunProcessing, "boom again", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// 第三次领取超出 MaxRetries。
	if _, err := store.Claim(ctx, "r1"); !IsRunError(err, CodeRunExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if err := store.MarkSucceeded(ctx, "r1", Outcome{Output: "late"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); !IsRunError(err, CodeRunCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	runs := []*Run{
		{ID: "a", Target: "t1", Kind: KindAgent, Status: StatusPending, MaxRetries: 3},
		{ID: "b", Target: "t2", Kind: KindAgent, Status: StatusPending, MaxRetries: 3},
		{ID: "c", Target: "t3", Kind: KindAgent, Status: StatusPending, MaxRetries: 3},
	}

	for _, r := range runs {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("create run %s: %v", r.ID, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "b", CodeRunProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "c", Outcome{Output: "ok"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.runs["a"].UpdatedAt = base.Unix()
	store.runs["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.runs["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	withResults, err := store.Stats(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("stats with result: %v", err)
	}
	if withResults.Total != 1 || withResults.Succeeded != 1 {
		t.Fatalf("unexpected stats with result: %+v", withResults)
	}

	failedOnly, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("stats failed only: %v", err)
	}
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}
}
