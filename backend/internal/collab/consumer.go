package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/IBM/sarama"

	"blockcollab/backend/internal/metrics"
)

// Refresher reloads and pushes a document snapshot to local subscribers.
type Refresher interface {
	Refresh(docID string)
}

// ChangeConsumer turns block events produced by other instances into local
// snapshot refreshes. It implements sarama.ConsumerGroupHandler.
type ChangeConsumer struct {
	origin  string
	refresh Refresher
}

var _ sarama.ConsumerGroupHandler = (*ChangeConsumer)(nil)

func NewChangeConsumer(origin string, r Refresher) *ChangeConsumer {
	return &ChangeConsumer{origin: origin, refresh: r}
}

func (c *ChangeConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *ChangeConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *ChangeConsumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			c.handle(msg)
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (c *ChangeConsumer) handle(msg *sarama.ConsumerMessage) {
	var evt BlockEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil || evt.DocID == "" {
		log.Printf("skip bad block event partition=%d offset=%d err=%v", msg.Partition, msg.Offset, err)
		return
	}
	// our own events were already refreshed locally
	if evt.Origin == c.origin {
		return
	}
	metrics.Events.WithLabelValues("received").Inc()
	c.refresh.Refresh(evt.DocID)
}

// Run consumes topics until ctx is cancelled, rejoining after rebalances.
func (c *ChangeConsumer) Run(ctx context.Context, group sarama.ConsumerGroup, topics []string) {
	for {
		if err := group.Consume(ctx, topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			log.Printf("kafka consume error topics=%v err=%v", topics, err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}
