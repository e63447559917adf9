package job

import (
	"context"
	"time"

	"storepay/internal/infrastructure/mq"
	"storepay/internal/model"
	"storepay/internal/repository"
	"storepay/pkg/logger"

	"github.com/rs/zerolog"
)

// OutboxSender 把订单事件从 outbox 表投递到消息队列，至少一次
type OutboxSender struct {
	outbox    repository.OutboxStore
	publisher mq.Publisher
	maxRetry  int
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
}

func NewOutboxSender(outbox repository.OutboxStore, publisher mq.Publisher, maxRetry int) *OutboxSender {
	return &OutboxSender{
		outbox:    outbox,
		publisher: publisher,
		maxRetry:  maxRetry,
		stopCh:    make(chan struct{}),
		interval:  100 * time.Millisecond,
		batchSize: 100,
		log:       logger.Component("OutboxSender"),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info().Msg("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info().Msg("任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outbox.PendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("查询消息失败")
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outbox.MarkSent(ctx, msg.ID); updateErr != nil {
			s.log.Error().Err(updateErr).Int64("id", msg.ID).Msg("更新消息状态失败")
			return
		}
		s.log.Debug().Int64("id", msg.ID).Str("topic", msg.Topic).Str("key", msg.MessageKey).Msg("消息发送成功")
		return
	}

	s.log.Warn().Err(err).Int64("id", msg.ID).Msg("消息发送失败")

	if err := s.outbox.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.log.Error().Err(err).Int64("id", msg.ID).Msg("增加重试次数失败")
	}

	if msg.RetryCount+1 >= s.maxRetry {
		if err := s.outbox.MarkAsFailed(ctx, msg.ID); err != nil {
			s.log.Error().Err(err).Int64("id", msg.ID).Msg("标记消息失败状态失败")
			return
		}
		s.log.Error().Int64("id", msg.ID).Int("retry", msg.RetryCount+1).Msg("消息超过最大重试次数，标记为失败")
	}
}
