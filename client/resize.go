package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ojpio/ojp-go/dispatcher"
)

// resizePoolRPC implements dispatcher.PoolResizer over the same per-request
// reply-queue idiom as Conn.call, but dials its own short-lived AMQP
// connection since a resize instruction is cluster-wide rather than tied to
// one session's Conn (spec.md §4.4: "the dispatcher reissues resize
// instructions to bring each server's pool to its share").
func resizePoolRPC(ctx context.Context, ep *dispatcher.Endpoint, connHashes []string, targetSize int64) error {
	conn, err := amqp.DialConfig(fmt.Sprintf("amqp://%s:%d/", ep.Host, ep.Port), amqp.Config{})
	if err != nil {
		return fmt.Errorf("client: dial %s:%d for resize: %w", ep.Host, ep.Port, err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("client: open channel for resize: %w", err)
	}
	defer ch.Close()

	var firstErr error
	for _, connHash := range connHashes {
		if err := oneResizeRPC(ctx, ch, connHash, targetSize); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func oneResizeRPC(ctx context.Context, ch *amqp.Channel, connHash string, targetSize int64) error {
	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("client: declare reply queue for resize: %w", err)
	}

	req := RPCRequest{
		Op:       "resizePool",
		ConnHash: connHash,
		Extra:    map[string]interface{}{"maxPoolSize": targetSize},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	corrID := fmt.Sprintf("resize-%d", time.Now().UnixNano())
	msgs, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("client: consume reply queue for resize: %w", err)
	}

	if err := ch.PublishWithContext(ctx, "", serverQueueName, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	}); err != nil {
		return fmt.Errorf("client: publish resize request: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("client: timeout waiting for resizePool response for %s", connHash)
	case msg := <-msgs:
		if msg.CorrelationId != corrID {
			return errors.New("client: correlation id mismatch on resizePool response")
		}
		var resp RPCResponse
		if err := json.Unmarshal(msg.Body, &resp); err != nil {
			return fmt.Errorf("client: decode resizePool response: %w", err)
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return nil
	}
}
