package mq

import (
	"context"
	"fmt"

	"storepay/internal/config"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"
)

// Publisher outbox 消息投递目标
type Publisher interface {
	Publish(ctx context.Context, topic, key, payload string) error
	Close() error
}

// KafkaPublisher 基于 sarama 同步生产者
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

// NewKafkaProducerConfig 等待所有副本确认，失败重试 3 次
func NewKafkaProducerConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	return kafkaConfig
}

// InitKafka 创建 Kafka 生产者
func InitKafka(cfg *config.KafkaConfig) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewKafkaProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	log.Info().Strs("brokers", cfg.Brokers).Msg("Kafka 生产者创建成功")
	return NewKafkaPublisher(producer), nil
}

func NewKafkaPublisher(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(_ context.Context, topic, key, payload string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(payload),
	}
	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// LogPublisher 未启用 Kafka 时把事件写进日志
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, topic, key, payload string) error {
	log.Info().
		Str("component", "LogPublisher").
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", []byte(payload)).
		Msg("订单事件")
	return nil
}

func (LogPublisher) Close() error { return nil }
