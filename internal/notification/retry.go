package notification

import "time"

const (
	// defaultWriteAttempts は1件の配信依頼を保存する最大試行回数。
	defaultWriteAttempts = 3
	// initialRetryDelay は再試行の初回遅延。
	initialRetryDelay = 50 * time.Millisecond
	// maxRetryDelay は再試行遅延の上限。
	maxRetryDelay = 2 * time.Second
)

// retryDelay は失敗回数に基づく指数バックオフ遅延を返す。
// 初回50ms、2倍ずつ増加、最大2秒。
func retryDelay(failures int) time.Duration {
	delay := initialRetryDelay
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}
