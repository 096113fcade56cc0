package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"evoting-tally/service"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
)

// TopicTallyEvents carries tally lifecycle events to other services.
const TopicTallyEvents = "tally_events"

// ErrRocketMQDisabled no name server is configured
var ErrRocketMQDisabled = errors.New("rocketmq name server not configured")

// RocketPublisher publishes tally events to RocketMQ.
type RocketPublisher struct {
	producer rocketmq.Producer
}

// NewRocketPublisher starts a producer against nameServer.
func NewRocketPublisher(nameServer string) (*RocketPublisher, error) {
	if nameServer == "" {
		return nil, ErrRocketMQDisabled
	}

	slog.Info("connecting to rocketmq", "name_server", nameServer)
	p, err := rocketmq.NewProducer(
		producer.WithNameServer([]string{nameServer}),
		producer.WithGroupName("tally_producer"),
		producer.WithRetry(2),
		producer.WithSendMsgTimeout(10*time.Second),
		producer.WithVIPChannel(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rocketmq producer: %w", err)
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("failed to start rocketmq producer: %w", err)
	}

	slog.Info("rocketmq producer started")
	return &RocketPublisher{producer: p}, nil
}

// Publish implements service.EventPublisher.
func (p *RocketPublisher) Publish(ctx context.Context, e service.Event) error {
	msg, err := eventMessage(e)
	if err != nil {
		return err
	}
	res, err := p.producer.SendSync(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send tally event: %w", err)
	}
	slog.Debug("tally event sent", "type", e.Type, "voting_id", e.VotingID, "msg_id", res.MsgID)
	return nil
}

// Close shuts the producer down.
func (p *RocketPublisher) Close() {
	if err := p.producer.Shutdown(); err != nil {
		slog.Error("failed to shut down rocketmq producer", "error", err)
		return
	}
	slog.Info("rocketmq producer shut down")
}

// eventMessage tags by event type and shards by voting so the events of
// one voting stay ordered.
func eventMessage(e service.Event) (*primitive.Message, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tally event: %w", err)
	}
	msg := primitive.NewMessage(TopicTallyEvents, body)
	msg.WithTag(string(e.Type))
	msg.WithKeys([]string{e.ID})
	msg.WithShardingKey(strconv.FormatUint(uint64(e.VotingID), 10))
	return msg, nil
}
