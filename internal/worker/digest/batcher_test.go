package digest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/digestman/internal/model"
)

func newTestBatcher(q *fakeQueue, staleAfter time.Duration) *Batcher {
	var buf bytes.Buffer
	return NewBatcher(q, testLoc, staleAfter, nil, newTestLogger(&buf))
}

func TestBatcher_Claim_GroupsByOwnerInReceivedOrder(t *testing.T) {
	q := newFakeQueue()
	q.add(1, "user-a", "rule-a", content("late", 9), testDay(10))
	q.add(2, "user-a", "rule-a", content("early", 6), testDay(10))
	q.add(3, "user-b", "rule-b", content("early", 6), testDay(10))

	b := newTestBatcher(q, 0)
	batch, err := b.Claim(context.Background(), "2025-01-15")
	if err != nil {
		t.Fatalf("Claim がエラーを返した: %v", err)
	}

	if len(batch.Owners) != 2 {
		t.Fatalf("Owners = %v, want 2 owners", batch.Owners)
	}
	a := batch.Entries["user-a"]
	if len(a) != 2 || a[0].Content.ID != "early" || a[1].Content.ID != "late" {
		t.Errorf("user-aのエントリは受信日時順であるべき: %+v", a)
	}
	if batch.Size() != 3 {
		t.Errorf("Size = %d, want 3", batch.Size())
	}

	for _, id := range []int64{1, 2, 3} {
		status, batchID := q.status(id)
		if status != model.QueueStatusPending || batchID == nil || *batchID != "2025-01-15" {
			t.Errorf("entry %d: status=%s batch=%v", id, status, batchID)
		}
	}
}

func TestBatcher_Claim_SecondClaimGetsNothing(t *testing.T) {
	q := newFakeQueue()
	q.add(1, "user-a", "rule-a", content("c1", 6), testDay(8))

	b := newTestBatcher(q, 0)
	if _, err := b.Claim(context.Background(), "2025-01-15"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	batch, err := b.Claim(context.Background(), "2025-01-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Size() != 0 || len(batch.Owners) != 0 {
		t.Errorf("確保済みのエントリは再確保されてはならない: %+v", batch)
	}
}

func TestBatcher_Claim_ConcurrentClaimsAreDisjoint(t *testing.T) {
	q := newFakeQueue()
	const rows = 200
	for i := 1; i <= rows; i++ {
		owner := fmt.Sprintf("user-%d", i%7)
		q.add(int64(i), owner, "rule-"+owner, content(fmt.Sprintf("c%d", i), 6), testDay(8))
	}

	b := newTestBatcher(q, 0)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[int64]int)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := b.Claim(context.Background(), "2025-01-15")
			if err != nil {
				t.Errorf("Claim がエラーを返した: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, entries := range batch.Entries {
				for _, e := range entries {
					claimed[e.Entry.ID]++
				}
			}
		}()
	}
	wg.Wait()

	if len(claimed) != rows {
		t.Errorf("確保されたエントリ数 = %d, want %d", len(claimed), rows)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("entry %d が %d 回確保された", id, n)
		}
	}
}

func TestBatcher_Claim_ExcludesEntriesCreatedAfterBatchDay(t *testing.T) {
	q := newFakeQueue()
	q.add(1, "user-a", "rule-a", content("today", 6), testDay(23))
	q.add(2, "user-a", "rule-a", content("tomorrow", 6), testDay(24))

	b := newTestBatcher(q, 0)
	batch, err := b.Claim(context.Background(), "2025-01-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries := batch.Entries["user-a"]
	if len(entries) != 1 || entries[0].Entry.ID != 1 {
		t.Errorf("バッチ日より後に作成されたエントリは含まれてはならない: %+v", entries)
	}
	if status, batchID := q.status(2); status != model.QueueStatusPending || batchID != nil {
		t.Errorf("対象外のエントリは未確保のままであるべき: status=%s batch=%v", status, batchID)
	}
}

func TestBatcher_Claim_ReclaimsStaleEntries(t *testing.T) {
	q := newFakeQueue()
	q.add(1, "user-a", "rule-a", content("c1", 6), testDay(8))

	old := time.Now().Add(-3 * time.Hour)
	q.now = func() time.Time { return old }

	b := newTestBatcher(q, time.Hour)
	if _, err := b.Claim(context.Background(), "2025-01-15"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 前回の確保から閾値以上経過した未送信のエントリは再確保される
	q.now = time.Now
	batch, err := b.Claim(context.Background(), "2025-01-16")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Size() != 1 {
		t.Fatalf("Size = %d, want 1", batch.Size())
	}
	if _, batchID := q.status(1); batchID == nil || *batchID != "2025-01-16" {
		t.Errorf("再確保したエントリには新しいバッチIDが設定されるべき: %v", batchID)
	}

	// 直前に確保されたエントリは再確保されない
	batch, err = b.Claim(context.Background(), "2025-01-16")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Size() != 0 {
		t.Errorf("最近確保されたエントリは再確保されてはならない: Size=%d", batch.Size())
	}
}

func TestBatcher_Preview_DoesNotMutate(t *testing.T) {
	q := newFakeQueue()
	q.add(1, "user-a", "rule-a", content("c1", 6), testDay(8))

	b := newTestBatcher(q, 0)
	preview, err := b.Preview(context.Background(), "2025-01-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if preview.Size() != 1 {
		t.Errorf("Size = %d, want 1", preview.Size())
	}
	if _, batchID := q.status(1); batchID != nil {
		t.Errorf("プレビューで行を変更してはならない: batch=%v", *batchID)
	}
}

func TestBatcher_InvalidBatchID(t *testing.T) {
	b := newTestBatcher(newFakeQueue(), 0)

	for _, id := range []string{"2025-1-15", "20250115", "2025-02-30", ""} {
		_, err := b.Claim(context.Background(), id)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidBatchID {
			t.Errorf("Claim(%q) err = %v, want INVALID_BATCH_ID", id, err)
		}
	}
}

func TestDefaultBatchID_UsesLocation(t *testing.T) {
	// UTCでは翌日だがCSTではまだ当日
	now := time.Date(2025, 1, 16, 3, 0, 0, 0, time.UTC)
	if got := DefaultBatchID(now, testLoc); got != "2025-01-15" {
		t.Errorf("DefaultBatchID = %s, want 2025-01-15", got)
	}
	if got := DefaultBatchID(now, nil); got != "2025-01-16" {
		t.Errorf("DefaultBatchID(nil) = %s, want 2025-01-16", got)
	}
}
