package forward

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/core/metrics"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// DefaultKafkaTopic is the topic accepted readings are written to
const DefaultKafkaTopic = "telemetry_readings"

// messageWriter is implemented by *kafka.Writer
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka forwards accepted readings to a Kafka topic. Messages are keyed by owner key,
// so the readings of one owner stay on one partition and in acceptance order.
type Kafka struct {
	writer messageWriter
}

// NewKafka returns a forwarder writing to topic on brokers. Writes are asynchronous;
// failures are logged and counted.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers missing")
	}
	if len(topic) == 0 {
		topic = DefaultKafkaTopic
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				metrics.ForwardErrors.WithLabelValues("kafka").Add(float64(len(messages)))
				logger.Default().WithError(err).Errorf("cannot forward %d readings to kafka", len(messages))
			}
		},
	}
	logger.Default().Infoln("forwarding readings to kafka topic", topic)
	return &Kafka{writer: writer}, nil
}

// Forward implements gateway.Forwarder
func (k *Kafka) Forward(ctx context.Context, record telemetry.Record) {
	message, err := kafkaMessage(record)
	if err == nil {
		err = k.writer.WriteMessages(ctx, message)
	}
	if err != nil {
		metrics.ForwardErrors.WithLabelValues("kafka").Inc()
		logger.FromContext(ctx).WithError(err).Errorln("cannot forward reading", record.ID, "to kafka")
	}
}

// Close flushes pending messages
func (k *Kafka) Close() error {
	return k.writer.Close()
}

func kafkaMessage(record telemetry.Record) (kafka.Message, error) {
	value, err := json.Marshal(record)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(record.OwnerKey),
		Value: value,
		Time:  record.CreatedAt,
		Headers: []kafka.Header{
			{Key: "topic", Value: []byte(record.Topic)},
			{Key: "qos", Value: []byte(strconv.Itoa(int(record.QoS)))},
		},
	}, nil
}
