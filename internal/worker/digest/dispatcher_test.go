package digest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/repository"
)

func newTestDispatcher(sender *mockSender, q *fakeQueue, cfg DispatcherConfig) (*Dispatcher, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewDispatcher(sender, q, cfg, nil, newTestLogger(&buf)), &buf
}

// claimTwoOwners はuser-aとuser-bのエントリを登録して確保し、ダイジェストを返す。
func claimTwoOwners(t *testing.T, q *fakeQueue) []model.Digest {
	t.Helper()
	q.add(1, "user-a", "rule-a1", content("c1", 6), testDay(8))
	q.add(2, "user-a", "rule-a2", content("c1", 6), testDay(8))
	q.add(3, "user-b", "rule-b", content("c2", 7), testDay(8))

	batch, err := newTestBatcher(q, 0).Claim(context.Background(), "2025-01-15")
	if err != nil {
		t.Fatalf("Claim がエラーを返した: %v", err)
	}
	return ComposeAll(batch)
}

func TestDispatch_Success(t *testing.T) {
	q := newFakeQueue()
	digests := claimTwoOwners(t, q)
	sender := &mockSender{}
	d, _ := newTestDispatcher(sender, q, DispatcherConfig{})

	res := d.Dispatch(context.Background(), digests)

	if res.Sent != 2 || res.Failed != 0 || res.Skipped != 0 {
		t.Errorf("result = %+v, want Sent=2", res)
	}
	for _, id := range []int64{1, 2, 3} {
		if status, _ := q.status(id); status != model.QueueStatusSent {
			t.Errorf("entry %d status = %s, want sent", id, status)
		}
	}

	h := q.historyFor("user-a")
	if len(h) != 1 {
		t.Fatalf("user-aの履歴数 = %d, want 1", len(h))
	}
	if !h[0].Success || h[0].ProviderMessageID != "msg-user-a" {
		t.Errorf("history = %+v", h[0])
	}
	if len(h[0].Digest.RuleIDs) != 2 || len(h[0].Digest.Contents) != 1 {
		t.Errorf("履歴のルールIDは2件、コンテンツは1件であるべき: %+v", h[0].Digest)
	}
}

func TestDispatch_FailureIsIsolatedPerOwner(t *testing.T) {
	q := newFakeQueue()
	digests := claimTwoOwners(t, q)
	sender := &mockSender{
		sendFunc: func(_ context.Context, dg model.Digest) (model.Receipt, error) {
			if dg.OwnerID == "user-a" {
				return model.Receipt{}, errors.New("provider rejected")
			}
			return model.Receipt{ProviderMessageID: "ok"}, nil
		},
	}
	d, buf := newTestDispatcher(sender, q, DispatcherConfig{MaxConcurrency: 1})

	res := d.Dispatch(context.Background(), digests)

	if res.Sent != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want Sent=1 Failed=1", res)
	}
	for _, id := range []int64{1, 2} {
		if status, _ := q.status(id); status != model.QueueStatusFailed {
			t.Errorf("entry %d status = %s, want failed", id, status)
		}
	}
	if status, _ := q.status(3); status != model.QueueStatusSent {
		t.Errorf("entry 3 status = %s, want sent", status)
	}

	h := q.historyFor("user-a")
	if len(h) != 1 || h[0].Success {
		t.Fatalf("user-aの失敗履歴が1件記録されるべき: %+v", h)
	}
	if !strings.Contains(h[0].ErrorMessage, model.ErrCodeDeliveryFailed) {
		t.Errorf("ErrorMessage = %q, want DELIVERY_FAILED", h[0].ErrorMessage)
	}
	if len(q.historyFor("user-b")) != 1 {
		t.Error("user-bの成功履歴が1件記録されるべき")
	}
	if !strings.Contains(buf.String(), `"error_code":"DELIVERY_FAILED"`) {
		t.Errorf("失敗はエラーコード付きでログに記録されるべき: %s", buf.String())
	}
}

func TestDispatch_TimeoutCountsAsFailure(t *testing.T) {
	q := newFakeQueue()
	digests := claimTwoOwners(t, q)
	release := make(chan struct{})
	defer close(release)
	sender := &mockSender{
		sendFunc: func(ctx context.Context, dg model.Digest) (model.Receipt, error) {
			if dg.OwnerID == "user-a" {
				// 期限を無視して送信が戻らない
				<-release
				return model.Receipt{}, nil
			}
			return model.Receipt{ProviderMessageID: "ok"}, nil
		},
	}
	d, _ := newTestDispatcher(sender, q, DispatcherConfig{Timeout: 20 * time.Millisecond})

	res := d.Dispatch(context.Background(), digests)

	if res.Sent != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want Sent=1 Failed=1", res)
	}
	h := q.historyFor("user-a")
	if len(h) != 1 || !strings.Contains(h[0].ErrorMessage, model.ErrCodeDeliveryTimeout) {
		t.Errorf("タイムアウトは失敗として記録されるべき: %+v", h)
	}
	if status, _ := q.status(1); status != model.QueueStatusFailed {
		t.Errorf("entry 1 status = %s, want failed", status)
	}
}

func TestDispatch_CanceledContextSkipsUnstartedOwners(t *testing.T) {
	q := newFakeQueue()
	digests := claimTwoOwners(t, q)
	sender := &mockSender{}
	d, _ := newTestDispatcher(sender, q, DispatcherConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := d.Dispatch(ctx, digests)

	if res.Skipped != 2 || res.Sent != 0 || res.Failed != 0 {
		t.Errorf("result = %+v, want Skipped=2", res)
	}
	if sender.callCount() != 0 {
		t.Errorf("送信回数 = %d, want 0", sender.callCount())
	}
	for _, id := range []int64{1, 2, 3} {
		status, batchID := q.status(id)
		if status != model.QueueStatusPending || batchID == nil {
			t.Errorf("未着手のエントリは確保済みのpendingのままであるべき: entry %d status=%s", id, status)
		}
	}
}

func TestDispatch_BoundedConcurrency(t *testing.T) {
	q := newFakeQueue()
	for i := 0; i < 10; i++ {
		owner := "user-" + string(rune('a'+i))
		q.add(int64(i+1), owner, "rule-"+owner, content("c1", 6), testDay(8))
	}
	batch, err := newTestBatcher(q, 0).Claim(context.Background(), "2025-01-15")
	if err != nil {
		t.Fatalf("Claim がエラーを返した: %v", err)
	}
	digests := ComposeAll(batch)

	var inFlight, peak atomic.Int32
	sender := &mockSender{
		sendFunc: func(context.Context, model.Digest) (model.Receipt, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return model.Receipt{}, nil
		},
	}
	d, _ := newTestDispatcher(sender, q, DispatcherConfig{MaxConcurrency: 3})

	res := d.Dispatch(context.Background(), digests)

	if res.Sent != 10 {
		t.Errorf("Sent = %d, want 10", res.Sent)
	}
	if peak.Load() > 3 {
		t.Errorf("同時送信数の最大値 = %d, want <= 3", peak.Load())
	}
}

func TestDispatch_FinalizeErrorIsLogged(t *testing.T) {
	q := newFakeQueue()
	digests := claimTwoOwners(t, q)
	q.failNext = errors.New("tx aborted")
	d, buf := newTestDispatcher(&mockSender{}, q, DispatcherConfig{MaxConcurrency: 1})

	res := d.Dispatch(context.Background(), digests)

	if res.Sent != 2 {
		t.Errorf("Sent = %d, want 2", res.Sent)
	}
	if !strings.Contains(buf.String(), "配信結果の記録に失敗しました") {
		t.Error("記録の失敗はログに出力されるべき")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"期限切れ", context.DeadlineExceeded, model.ErrCodeDeliveryTimeout},
		{"その他", errors.New("boom"), model.ErrCodeDeliveryFailed},
		{"既存コード", model.NewNotificationsDisabledError("u"), model.ErrCodeNotificationsOff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := model.DeliveryErrorCode(classify(tt.err)); got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
		})
	}
}

// sharedClock はfakeQueueと複数のBatcherで共有するテスト用の時計。
type sharedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *sharedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *sharedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newClockedBatcher は共有時計を使うBatcherを生成する。
func newClockedBatcher(q *fakeQueue, clock *sharedClock, staleAfter time.Duration) *Batcher {
	b := newTestBatcher(q, staleAfter)
	b.now = clock.now
	return b
}

func TestDispatch_OverlappingRunsDeliverOnce(t *testing.T) {
	tests := []struct {
		name        string
		secondFirst bool
	}{
		{"先に確保した実行から配信", false},
		{"後から再確保した実行から配信", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &sharedClock{t: testDay(8)}
			q := newFakeQueue()
			q.now = clock.now
			q.add(1, "user-a", "rule-a", content("c1", 6), testDay(7))

			// 実行Aが確保した後、再確保の閾値を超えて実行Bが同じ行を再確保する
			runA, err := newClockedBatcher(q, clock, time.Hour).Claim(context.Background(), "2025-01-15")
			if err != nil {
				t.Fatalf("実行Aの Claim がエラーを返した: %v", err)
			}
			clock.advance(61 * time.Minute)
			runB, err := newClockedBatcher(q, clock, time.Hour).Claim(context.Background(), "2025-01-15")
			if err != nil {
				t.Fatalf("実行Bの Claim がエラーを返した: %v", err)
			}
			if runA.Size() != 1 || runB.Size() != 1 {
				t.Fatalf("両方の実行が行を確保するはず: A=%d B=%d", runA.Size(), runB.Size())
			}

			sender := &mockSender{}
			dA, bufA := newTestDispatcher(sender, q, DispatcherConfig{})
			dB, _ := newTestDispatcher(sender, q, DispatcherConfig{})

			var resA, resB DispatchResult
			if tt.secondFirst {
				resB = dB.Dispatch(context.Background(), ComposeAll(runB))
				resA = dA.Dispatch(context.Background(), ComposeAll(runA))
			} else {
				resA = dA.Dispatch(context.Background(), ComposeAll(runA))
				resB = dB.Dispatch(context.Background(), ComposeAll(runB))
			}

			if sender.callCount() != 1 {
				t.Errorf("送信回数 = %d, want 1", sender.callCount())
			}
			if h := q.historyFor("user-a"); len(h) != 1 {
				t.Errorf("user-aの履歴数 = %d, want 1", len(h))
			}
			if resA.Sent != 0 || resA.Skipped != 1 {
				t.Errorf("所有権を失った実行Aは送信しないべき: %+v", resA)
			}
			if resB.Sent != 1 {
				t.Errorf("実行Bが送信するべき: %+v", resB)
			}
			if status, _ := q.status(1); status != model.QueueStatusSent {
				t.Errorf("entry 1 status = %s, want sent", status)
			}
			if !strings.Contains(bufA.String(), "別の実行が確保したため配信をスキップしました") {
				t.Errorf("スキップはログに記録されるべき: %s", bufA.String())
			}
		})
	}
}

func TestDispatch_RenewedClaimIsNotReclaimedDuringSend(t *testing.T) {
	clock := &sharedClock{t: testDay(8)}
	q := newFakeQueue()
	q.now = clock.now
	q.add(1, "user-a", "rule-a", content("c1", 6), testDay(7))

	runA, err := newClockedBatcher(q, clock, time.Hour).Claim(context.Background(), "2025-01-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 確保から閾値以上経ってから送信が始まる
	clock.advance(61 * time.Minute)

	other := newClockedBatcher(q, clock, time.Hour)
	var reclaimed int
	sender := &mockSender{
		sendFunc: func(ctx context.Context, _ model.Digest) (model.Receipt, error) {
			// 送信中に別の実行が確保を試みる
			batch, err := other.Claim(ctx, "2025-01-15")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return model.Receipt{}, nil
			}
			reclaimed = batch.Size()
			return model.Receipt{ProviderMessageID: "ok"}, nil
		},
	}
	d, _ := newTestDispatcher(sender, q, DispatcherConfig{})

	res := d.Dispatch(context.Background(), ComposeAll(runA))

	if res.Sent != 1 {
		t.Errorf("result = %+v, want Sent=1", res)
	}
	if reclaimed != 0 {
		t.Errorf("送信直前に更新された行は再確保されてはならない: reclaimed=%d", reclaimed)
	}
	if status, _ := q.status(1); status != model.QueueStatusSent {
		t.Errorf("entry 1 status = %s, want sent", status)
	}
}

func TestDispatch_FinalizedDigestIsNotDeliveredAgain(t *testing.T) {
	q := newFakeQueue()
	digests := claimTwoOwners(t, q)
	sender := &mockSender{}
	d, _ := newTestDispatcher(sender, q, DispatcherConfig{})

	d.Dispatch(context.Background(), digests)
	res := d.Dispatch(context.Background(), digests)

	if res.Sent != 0 || res.Skipped != 2 {
		t.Errorf("result = %+v, want Skipped=2", res)
	}
	if sender.callCount() != 2 {
		t.Errorf("送信回数 = %d, want 2", sender.callCount())
	}
	if h := q.historyFor("user-a"); len(h) != 1 {
		t.Errorf("user-aの履歴数 = %d, want 1", len(h))
	}
}

func TestFinalizeDelivery_RefusesRowsNoLongerOwned(t *testing.T) {
	q := newFakeQueue()
	digests := claimTwoOwners(t, q)
	outcome := model.DeliveryOutcome{Digest: digests[0], Success: true, SentAt: testDay(9)}

	if err := q.FinalizeDelivery(context.Background(), outcome); err != nil {
		t.Fatalf("1回目の FinalizeDelivery がエラーを返した: %v", err)
	}
	err := q.FinalizeDelivery(context.Background(), outcome)
	if !errors.Is(err, repository.ErrClaimLost) {
		t.Errorf("err = %v, want ErrClaimLost", err)
	}
	if h := q.historyFor(digests[0].OwnerID); len(h) != 1 {
		t.Errorf("終端状態の行に対して履歴を追加してはならない: %d件", len(h))
	}
}

func TestNewDispatcher_NilLoggerUsesDefault(t *testing.T) {
	q := newFakeQueue()
	digests := claimTwoOwners(t, q)
	d := NewDispatcher(&mockSender{}, q, DispatcherConfig{}, nil, nil)

	if res := d.Dispatch(context.Background(), digests); res.Sent != 2 {
		t.Errorf("Sent = %d, want 2", res.Sent)
	}
}
