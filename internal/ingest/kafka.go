package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"printwatch/internal/config"
)

// messageReader is the part of *kafka.Reader the relay loop uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// StartKafka consumes relayed device reports. The message key carries the
// device id and the value the report JSON.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, sink Sink, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka relay disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka relay enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	go consumeKafka(ctx, reader, sink, logger)
}

func consumeKafka(ctx context.Context, reader messageReader, sink Sink, logger *slog.Logger) {
	defer reader.Close()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return
			}
			continue
		}
		deviceID := string(m.Key)
		if deviceID == "" {
			if logger != nil {
				logger.Warn("kafka message without device key", "partition", m.Partition, "offset", m.Offset)
			}
			continue
		}
		sink.Submit(deviceID, m.Value)
	}
}
