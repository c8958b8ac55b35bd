package ingest

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// FetchResult はHTTPステータスコードに基づく取得結果の分類。
type FetchResult int

const (
	// FetchResultOK は取得成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultStop は設定の見直しが必要なステータス（404/410/401/403）。
	FetchResultStop
	// FetchResultBackoff は時間をおいて再試行するステータス（429/5xx）。
	FetchResultBackoff
	// FetchResultUnknown は未知のステータスコード。
	FetchResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延（30分）。
	initialBackoff = 30 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（12時間）。
	maxBackoff = 12 * time.Hour
)

// ClassifyHTTPStatus はHTTPステータスコードを取得結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == http.StatusOK:
		return FetchResultOK
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return FetchResultStop
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return FetchResultStop
	case statusCode == http.StatusTooManyRequests:
		return FetchResultBackoff
	case statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultUnknown
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回30分、2倍ずつ増加、最大12時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// StatusError は200以外のHTTPステータスを表す。
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPステータス %d: %s", e.StatusCode, e.URL)
}

// sourceState は発行元ごとの連続失敗の記録。
type sourceState struct {
	consecutiveErrors int
	nextAttempt       time.Time
	lastError         string
}

// sourceHealth は発行元ごとのバックオフ状態をプロセス内で保持する。
// 状態は永続化せず、再起動で初期化される。
type sourceHealth struct {
	mu     sync.Mutex
	states map[string]*sourceState
}

func newSourceHealth() *sourceHealth {
	return &sourceHealth{states: make(map[string]*sourceState)}
}

// deferredUntil はバックオフ中であれば再試行可能になる時刻を返す。
func (h *sourceHealth) deferredUntil(sourceID string, now time.Time) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[sourceID]
	if !ok || !now.Before(st.nextAttempt) {
		return time.Time{}, false
	}
	return st.nextAttempt, true
}

// recordSuccess は連続失敗をリセットする。
func (h *sourceHealth) recordSuccess(sourceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.states, sourceID)
}

// recordFailure はアーカイブ取得の失敗を記録し、次回の試行時刻を返す。
// 429/5xxは指数バックオフ、404/410/401/403は最大遅延まで待つ。
// それ以外のエラー（接続失敗や解析失敗）は次回のスケジュールで再試行する。
func (h *sourceHealth) recordFailure(sourceID string, err error, now time.Time) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.states[sourceID]
	if !ok {
		st = &sourceState{}
		h.states[sourceID] = st
	}
	st.consecutiveErrors++
	st.lastError = err.Error()

	var delay time.Duration
	var se *StatusError
	if errors.As(err, &se) {
		switch ClassifyHTTPStatus(se.StatusCode) {
		case FetchResultStop:
			delay = maxBackoff
		case FetchResultBackoff:
			delay = CalculateBackoff(st.consecutiveErrors - 1)
		}
	}
	st.nextAttempt = now.Add(delay)
	return st.nextAttempt
}
