package config

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// Alert is the operator-facing notification published when the pipeline
// detects something that needs human follow-up. Reliability must not depend
// on Pub/Sub: alerts are duplicated in structured logs and (for
// reconciliation) in reconciliation_reports rows.
type Alert struct {
	Kind          string            `json:"kind"` // RECONCILIATION_DIVERGENCE | OUTBOX_DEAD
	BusinessId    string            `json:"business_id"`
	CorrelationId string            `json:"correlation_id"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Details       map[string]string `json:"details"`
}

type AlertPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewAlertPublisher builds the publisher, creating the topic when missing.
// Returns (nil, nil) when no project is configured; a nil publisher is
// valid and drops alerts silently (logs still carry them).
func NewAlertPublisher(ctx context.Context, settings Settings) (*AlertPublisher, error) {
	if settings.PubSubProjectID == "" {
		return nil, nil
	}

	var opts []option.ClientOption
	if settings.PubSubCredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(settings.PubSubCredentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, settings.PubSubProjectID, opts...)
	if err != nil {
		return nil, err
	}

	topic := client.Topic(settings.PubSubAlertTopic)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, settings.PubSubAlertTopic)
		if err != nil {
			client.Close()
			return nil, err
		}
	}

	return &AlertPublisher{client: client, topic: topic}, nil
}

// Publish sends the alert and waits for the server-assigned message id.
func (p *AlertPublisher) Publish(ctx context.Context, alert Alert) (string, error) {
	if p == nil || p.topic == nil {
		return "", nil
	}
	if alert.OccurredAt.IsZero() {
		alert.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return "", err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data})
	return result.Get(ctx)
}

func (p *AlertPublisher) Close() {
	if p == nil {
		return
	}
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		_ = p.client.Close()
	}
}
