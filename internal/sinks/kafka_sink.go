package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	apperrors "auditcore/pkg/errors"
	"auditcore/pkg/types"
)

// KafkaAuthConfig configures SASL authentication.
type KafkaAuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Enabled      bool            `yaml:"enabled"`
	Brokers      []string        `yaml:"brokers"`
	Topic        string          `yaml:"topic"`
	RequiredAcks int             `yaml:"required_acks"`
	Compression  string          `yaml:"compression"` // gzip, snappy, lz4, zstd, none
	RetryMax     int             `yaml:"retry_max"`
	DialTimeout  time.Duration   `yaml:"dial_timeout"`
	Auth         KafkaAuthConfig `yaml:"auth"`
}

// KafkaSink publishes each batch as one message keyed by batch ID, so
// topic compaction and consumer-side dedup can suppress redeliveries.
type KafkaSink struct {
	config   KafkaConfig
	logger   *logrus.Logger
	producer sarama.SyncProducer

	mutex     sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	closed    bool

	// newProducer is swapped in tests to avoid a live broker.
	newProducer func([]string, *sarama.Config) (sarama.SyncProducer, error)
}

// NewKafkaSink creates a Kafka sink; the producer connects on Start.
func NewKafkaSink(config KafkaConfig, logger *logrus.Logger) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, apperrors.ConfigError("kafka", "new", "brokers are required")
	}
	if config.Topic == "" {
		return nil, apperrors.ConfigError("kafka", "new", "topic is required")
	}
	return &KafkaSink{
		config:      config,
		logger:      logger,
		seen:        make(map[string]struct{}),
		newProducer: sarama.NewSyncProducer,
	}, nil
}

// Name implements types.Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Start connects the producer.
func (s *KafkaSink) Start(ctx context.Context) error {
	saramaConfig, err := s.buildSaramaConfig()
	if err != nil {
		return err
	}
	producer, err := s.newProducer(s.config.Brokers, saramaConfig)
	if err != nil {
		return fmt.Errorf("connect kafka producer: %w", err)
	}

	s.mutex.Lock()
	s.producer = producer
	s.mutex.Unlock()

	s.logger.WithFields(logrus.Fields{
		"brokers": s.config.Brokers,
		"topic":   s.config.Topic,
	}).Info("Kafka sink connected")
	return nil
}

func (s *KafkaSink) buildSaramaConfig() (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(s.config.RequiredAcks)
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	switch s.config.Compression {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	case "", "none":
		saramaConfig.Producer.Compression = sarama.CompressionNone
	default:
		return nil, apperrors.ConfigError("kafka", "start",
			fmt.Sprintf("unknown compression %q", s.config.Compression))
	}

	if s.config.RetryMax > 0 {
		saramaConfig.Producer.Retry.Max = s.config.RetryMax
	}
	if s.config.DialTimeout > 0 {
		saramaConfig.Net.DialTimeout = s.config.DialTimeout
		saramaConfig.Net.ReadTimeout = s.config.DialTimeout
		saramaConfig.Net.WriteTimeout = s.config.DialTimeout
	}

	if s.config.Auth.Enabled {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = s.config.Auth.Username
		saramaConfig.Net.SASL.Password = s.config.Auth.Password
		switch s.config.Auth.Mechanism {
		case "PLAIN", "":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "SCRAM-SHA-256":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
			}
		case "SCRAM-SHA-512":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
			}
		default:
			return nil, apperrors.ConfigError("kafka", "start",
				fmt.Sprintf("unknown SASL mechanism %q", s.config.Auth.Mechanism))
		}
	}
	return saramaConfig, nil
}

// Stop closes the producer.
func (s *KafkaSink) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	if s.producer != nil {
		err := s.producer.Close()
		s.producer = nil
		return err
	}
	return nil
}

// IsHealthy reports whether the producer is connected.
func (s *KafkaSink) IsHealthy() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return !s.closed && s.producer != nil
}

// Write publishes the batch. Duplicate batch IDs are suppressed.
func (s *KafkaSink) Write(ctx context.Context, batch *types.Batch) error {
	s.mutex.Lock()
	if s.closed || s.producer == nil {
		s.mutex.Unlock()
		return apperrors.TransientSinkError("kafka", "producer not connected")
	}
	if _, dup := s.seen[batch.ID]; dup {
		s.mutex.Unlock()
		return nil
	}
	producer := s.producer
	s.mutex.Unlock()

	records := make([]map[string]interface{}, 0, len(batch.Entries))
	for _, r := range batch.Records() {
		records = append(records, r.WireObject())
	}
	payload, err := json.Marshal(map[string]interface{}{
		"batchId":   batch.ID,
		"timestamp": time.Now().UnixMilli(),
		"attempt":   batch.RetryCount + 1,
		"records":   records,
	})
	if err != nil {
		return apperrors.PermanentSinkError("kafka", "marshal batch").Wrap(err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.config.Topic,
		Key:   sarama.StringEncoder(batch.ID),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := producer.SendMessage(msg); err != nil {
		return apperrors.TransientSinkError("kafka", "produce failed").Wrap(err)
	}

	s.mutex.Lock()
	s.seen[batch.ID] = struct{}{}
	s.seenOrder = append(s.seenOrder, batch.ID)
	for len(s.seenOrder) > 4096 {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
	s.mutex.Unlock()
	return nil
}
