package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"pomelo/internal/common"
	"pomelo/internal/store"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// TransitionEvent 一次状态转换事件
type TransitionEvent struct {
	EventID     string    `json:"event_id"`
	ExecutionID int64     `json:"execution_id"`
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	FromStatus  string    `json:"from_status"`
	ToStatus    string    `json:"to_status"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher 生命周期事件发布接口。发布失败不阻塞状态机，
// 事件流是尽力而为的通知通道。
type Publisher interface {
	PublishTransition(ctx context.Context, execution *store.Execution, from, to string)
	Close() error
}

// NopPublisher 空实现，事件流未启用时使用
type NopPublisher struct{}

func (NopPublisher) PublishTransition(context.Context, *store.Execution, string, string) {}
func (NopPublisher) Close() error                                                        { return nil }

// KafkaPublisher 将状态转换事件写入 Kafka 主题
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher 创建 Kafka 事件发布器
func NewKafkaPublisher(cfg common.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		logger: common.ComponentLogger("event-publisher"),
	}
}

// PublishTransition 发布一次状态转换。以执行 ID 为分区键，
// 保证同一执行的事件有序。
func (p *KafkaPublisher) PublishTransition(ctx context.Context, execution *store.Execution, from, to string) {
	event := TransitionEvent{
		EventID:     uuid.NewString(),
		ExecutionID: execution.ID,
		Name:        execution.Name,
		Owner:       execution.Owner,
		FromStatus:  from,
		ToStatus:    to,
		Timestamp:   time.Now(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode transition event", zap.Error(err))
		return
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(execution.ID, 10)),
		Value: payload,
	})
	if err != nil {
		p.logger.Warn("Failed to publish transition event",
			zap.Int64("execution_id", execution.ID),
			zap.String("to_status", to),
			zap.Error(err))
	}
}

// Close 关闭底层写入器
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
