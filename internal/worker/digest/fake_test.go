package digest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/repository"
)

// fakeQueue はClaimStoreとDeliveryStoreを満たすインメモリの通知キュー。
// 確保は1つのロックの中で選択と更新を行い、単一のUPDATE文と同じ排他性を持つ。
type fakeQueue struct {
	mu       sync.Mutex
	now      func() time.Time
	rows     []*model.DigestEntry
	history  []model.DeliveryOutcome
	failNext error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{now: time.Now}
}

func (f *fakeQueue) add(id int64, owner, ruleID string, content model.Content, createdAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, &model.DigestEntry{
		Entry: model.QueueEntry{
			ID:        id,
			OwnerID:   owner,
			ContentID: content.ID,
			RuleID:    ruleID,
			Status:    model.QueueStatusPending,
			CreatedAt: createdAt,
		},
		Content: content,
		Rule:    model.Rule{ID: ruleID, OwnerID: owner, Active: true},
	})
}

func (f *fakeQueue) claimable(row *model.DigestEntry, opts repository.ClaimOptions) bool {
	e := row.Entry
	if e.Status != model.QueueStatusPending || !e.CreatedAt.Before(opts.CreatedBefore) {
		return false
	}
	if e.BatchID == nil {
		return true
	}
	if opts.StaleBefore.IsZero() {
		return false
	}
	return e.ClaimedAt == nil || e.ClaimedAt.Before(opts.StaleBefore)
}

func sortEntries(entries []model.DigestEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Entry.OwnerID != b.Entry.OwnerID {
			return a.Entry.OwnerID < b.Entry.OwnerID
		}
		if !a.Content.ReceivedAt.Equal(b.Content.ReceivedAt) {
			return a.Content.ReceivedAt.Before(b.Content.ReceivedAt)
		}
		return a.Entry.ID < b.Entry.ID
	})
}

func (f *fakeQueue) ClaimBatch(_ context.Context, batchID string, opts repository.ClaimOptions) ([]model.DigestEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var out []model.DigestEntry
	for _, row := range f.rows {
		if !f.claimable(row, opts) {
			continue
		}
		id := batchID
		claimedAt := now
		row.Entry.BatchID = &id
		row.Entry.ClaimedAt = &claimedAt
		out = append(out, *row)
	}
	sortEntries(out)
	return out, nil
}

func (f *fakeQueue) ListClaimable(_ context.Context, opts repository.ClaimOptions) ([]model.DigestEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.DigestEntry
	for _, row := range f.rows {
		if f.claimable(row, opts) {
			out = append(out, *row)
		}
	}
	sortEntries(out)
	return out, nil
}

// owned はダイジェストの全エントリがこのバッチ・確保時刻のpendingであればその行を返す。
func (f *fakeQueue) owned(d model.Digest) ([]*model.DigestEntry, bool) {
	ids := make(map[int64]struct{}, len(d.EntryIDs))
	for _, id := range d.EntryIDs {
		ids[id] = struct{}{}
	}
	var rows []*model.DigestEntry
	for _, row := range f.rows {
		if _, ok := ids[row.Entry.ID]; !ok {
			continue
		}
		e := row.Entry
		if e.Status != model.QueueStatusPending || e.BatchID == nil || *e.BatchID != d.BatchID {
			continue
		}
		if e.ClaimedAt == nil || !e.ClaimedAt.Equal(d.ClaimedAt) {
			continue
		}
		rows = append(rows, row)
	}
	return rows, len(rows) == len(d.EntryIDs)
}

func (f *fakeQueue) RenewClaim(_ context.Context, d model.Digest) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, ok := f.owned(d)
	if !ok {
		return time.Time{}, fmt.Errorf("owner %s: %w", d.OwnerID, repository.ErrClaimLost)
	}
	renewed := f.now()
	for _, row := range rows {
		row.Entry.ClaimedAt = &renewed
	}
	return renewed, nil
}

func (f *fakeQueue) FinalizeDelivery(_ context.Context, outcome model.DeliveryOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}

	rows, ok := f.owned(outcome.Digest)
	if !ok {
		return fmt.Errorf("owner %s: %w", outcome.Digest.OwnerID, repository.ErrClaimLost)
	}
	sentAt := outcome.SentAt
	for _, row := range rows {
		row.Entry.SentAt = &sentAt
		if outcome.Success {
			row.Entry.Status = model.QueueStatusSent
		} else {
			row.Entry.Status = model.QueueStatusFailed
			msg := outcome.ErrorMessage
			row.Entry.ErrorMessage = &msg
		}
	}
	f.history = append(f.history, outcome)
	return nil
}

func (f *fakeQueue) status(id int64) (model.QueueStatus, *string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.Entry.ID == id {
			return row.Entry.Status, row.Entry.BatchID
		}
	}
	return "", nil
}

func (f *fakeQueue) historyFor(owner string) []model.DeliveryOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DeliveryOutcome
	for _, h := range f.history {
		if h.Digest.OwnerID == owner {
			out = append(out, h)
		}
	}
	return out
}

// mockSender はdelivery.Senderのテスト用モック。
type mockSender struct {
	mu       sync.Mutex
	calls    []model.Digest
	sendFunc func(ctx context.Context, d model.Digest) (model.Receipt, error)
}

func (m *mockSender) Send(ctx context.Context, d model.Digest) (model.Receipt, error) {
	m.mu.Lock()
	m.calls = append(m.calls, d)
	m.mu.Unlock()
	if m.sendFunc != nil {
		return m.sendFunc(ctx, d)
	}
	return model.Receipt{ProviderMessageID: "msg-" + d.OwnerID}, nil
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var testLoc = time.FixedZone("CST", -6*60*60)

// testDay はバッチ日 2025-01-15 のCSTでの時刻を返す。
func testDay(hour int) time.Time {
	return time.Date(2025, 1, 15, hour, 0, 0, 0, testLoc)
}

func content(id string, receivedHour int) model.Content {
	return model.Content{
		ID:         id,
		Subject:    "subject " + id,
		ReceivedAt: testDay(receivedHour),
	}
}
