// Package notification は通知サブシステムへの配信依頼を非同期で書き出すディスパッチャを提供する。
// 配信依頼はnotificationsテーブル（アウトボックス）に保存され、実際の配信は通知サブシステムが行う。
package notification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/groupsession/internal/metrics"
	"github.com/hitoshi/groupsession/internal/model"
	"github.com/hitoshi/groupsession/internal/repository"
)

const (
	defaultBufferSize   = 256
	defaultWorkers      = 4
	defaultWriteTimeout = 5 * time.Second
)

// Dispatcher はバッファ付きチャネルとワーカー群で配信依頼を保存する。
// Notifyは決してブロックせず、バッファが満杯の場合は依頼を破棄してWARNログを出す。
type Dispatcher struct {
	repo          repository.NotificationRepository
	logger        *slog.Logger
	metrics       metrics.MetricsCollector
	queue         chan model.Notification
	writeTimeout  time.Duration
	writeAttempts int

	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewDispatcher はDispatcherを生成し、ワーカーを起動する。
// bufferSize・workersが0以下の場合はデフォルト値（256・4）を使用する。
func NewDispatcher(
	repo repository.NotificationRepository,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	bufferSize, workers int,
) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		repo:          repo,
		logger:        logger,
		metrics:       collector,
		queue:         make(chan model.Notification, bufferSize),
		writeTimeout:  defaultWriteTimeout,
		writeAttempts: defaultWriteAttempts,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Notify は配信依頼をキューに積む。
// 呼び出し元のコンテキストがキャンセルされても、積まれた依頼は保存される。
func (d *Dispatcher) Notify(ctx context.Context, n model.Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(ctx, n, "dispatcher closed")
		return
	}

	select {
	case d.queue <- n:
	default:
		d.drop(ctx, n, "queue full")
	}
}

func (d *Dispatcher) drop(ctx context.Context, n model.Notification, reason string) {
	d.metrics.RecordSideEffectFailure(metrics.SideEffectDropped)
	d.logger.WarnContext(ctx, "通知を破棄しました",
		slog.String("reason", reason),
		slog.String("recipient_id", n.RecipientID),
		slog.String("type", string(n.Type)),
	)
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for n := range d.queue {
		d.write(n)
	}
}

// write は配信依頼を保存する。失敗した場合は指数バックオフで再試行し、
// すべて失敗したときだけ副作用の失敗として記録する。
func (d *Dispatcher) write(n model.Notification) {
	var err error
	for attempt := 0; attempt < d.writeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay(attempt - 1))
		}
		if err = d.writeOnce(&n); err == nil {
			return
		}
		d.logger.Debug("通知の保存を再試行します",
			slog.String("recipient_id", n.RecipientID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	d.metrics.RecordSideEffectFailure(metrics.SideEffectNotification)
	d.logger.Error("通知の保存に失敗しました",
		slog.String("recipient_id", n.RecipientID),
		slog.String("type", string(n.Type)),
		slog.Int("attempts", d.writeAttempts),
		slog.String("error", err.Error()),
	)
}

func (d *Dispatcher) writeOnce(n *model.Notification) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
	defer cancel()
	return d.repo.Create(ctx, n)
}

// Close は新規の受け付けを止め、キューに残った依頼を保存し終えるまで待つ。
// 複数回呼び出しても安全。
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	d.wg.Wait()
}
