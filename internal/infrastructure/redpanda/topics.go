package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/wardrx/medadmin/internal/domain/medication"
)

// Topic names for medication administration events
const (
	TopicDoseAdministrations = "medadmin.dose-administrations"
	TopicPrescriptionEvents  = "medadmin.prescription-events"
	TopicPatientEvents       = "medadmin.patient-events"
	TopicScheduleEvents      = "medadmin.schedule-events"
	TopicDeadLetter          = "medadmin.dead-letter"
)

// TopicFor routes an event type to its topic. Events for one aggregate share
// a topic so their order is kept within a partition.
func TopicFor(t medication.EventType) string {
	switch t {
	case medication.EventDoseAdministered:
		return TopicDoseAdministrations
	case medication.EventPrescriptionIssued,
		medication.EventPrescriptionDiscontinued,
		medication.EventPrescriptionCompleted:
		return TopicPrescriptionEvents
	case medication.EventPatientAdmitted, medication.EventPatientDischarged, medication.EventPatientUpdated:
		return TopicPatientEvents
	case medication.EventScheduleGenerated:
		return TopicScheduleEvents
	default:
		return TopicDeadLetter
	}
}

// TopicConfig describes one topic to create
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

func topicConfig(name string, partitions int32, retention time.Duration) TopicConfig {
	return TopicConfig{
		Name:              name,
		Partitions:        partitions,
		ReplicationFactor: 1,
		Configs: map[string]*string{
			"retention.ms":     kadm.StringPtr(strconv.FormatInt(retention.Milliseconds(), 10)),
			"cleanup.policy":   kadm.StringPtr("delete"),
			"compression.type": kadm.StringPtr("lz4"),
		},
	}
}

// DefaultTopicConfigs returns the topic layout for a single-broker setup.
// Events are keyed by patient, so one patient's events stay in one partition.
func DefaultTopicConfigs() []TopicConfig {
	const day = 24 * time.Hour
	return []TopicConfig{
		topicConfig(TopicDoseAdministrations, 12, 30*day),
		topicConfig(TopicPrescriptionEvents, 6, 7*day),
		topicConfig(TopicPatientEvents, 3, 7*day),
		topicConfig(TopicScheduleEvents, 3, day),
		topicConfig(TopicDeadLetter, 1, 30*day),
	}
}

// Admin provides administrative operations for Redpanda
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the given topics, skipping ones that exist
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if r.Err != nil {
				if errors.Is(r.Err, kerr.TopicAlreadyExists) {
					a.logger.Debug("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics creates every topic the services use
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// GroupLag returns how far a consumer group trails each topic it reads,
// summed over partitions
func (a *Admin) GroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("consumer group lag: %w", err)
	}

	result := make(map[string]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, lag := range partitions {
				result[topic] += lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies Redpanda connectivity
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
