package job

import (
	"context"
	"time"

	"storepay/pkg/logger"

	"github.com/rs/zerolog"
)

// Expirer 把已过支付窗口的存活订单置为 expired
type Expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// OrderExpiryJob 定时扫描过期订单；读路径上的即时过期兜底，保证无人访问的订单也能释放唯一金额
type OrderExpiryJob struct {
	expirer   Expirer
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
}

// NewOrderExpiryJob interval、batchSize 非正数时分别取 10s 和 100
func NewOrderExpiryJob(expirer Expirer, interval time.Duration, batchSize int) *OrderExpiryJob {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OrderExpiryJob{
		expirer:   expirer,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: batchSize,
		log:       logger.Component("OrderExpiryJob"),
	}
}

func (j *OrderExpiryJob) Start(ctx context.Context) {
	j.log.Info().Dur("interval", j.interval).Msg("订单过期任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info().Msg("任务停止")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *OrderExpiryJob) Stop() {
	close(j.stopCh)
}

// sweep 一批不满继续下一批，直到没有到期订单
func (j *OrderExpiryJob) sweep(ctx context.Context) int {
	total := 0
	for {
		n, err := j.expirer.ExpireDue(ctx, j.batchSize)
		if err != nil {
			j.log.Error().Err(err).Msg("查询过期订单失败")
			return total
		}
		total += n
		if n < j.batchSize || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		j.log.Info().Int("count", total).Msg("订单已过期关闭")
	}
	return total
}
