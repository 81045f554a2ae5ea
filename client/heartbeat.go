package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HeartbeatConfig holds configuration for client-side liveness probing of
// the connection's sticky endpoint.
type HeartbeatConfig struct {
	Enabled        bool
	Interval       time.Duration
	Timeout        time.Duration
	MaxMissedBeats int
}

func DefaultHeartbeatConfig() *HeartbeatConfig {
	return &HeartbeatConfig{
		Enabled:        true,
		Interval:       30 * time.Second,
		Timeout:        10 * time.Second,
		MaxMissedBeats: 3,
	}
}

// HeartbeatManager pings a Conn's sticky endpoint on an interval and marks it
// down in the dispatcher after MaxMissedBeats consecutive failures, matching
// the teacher's client-side HeartbeatManager (client/heartbeat.go) but
// reporting into dispatcher.Endpoint's health state instead of a per-client
// disconnect callback, since the dispatcher (not the Conn) owns failover.
type HeartbeatManager struct {
	conn   *Conn
	config *HeartbeatConfig

	mu          sync.Mutex
	missedBeats int
	running     bool
	stopChan    chan struct{}
}

func NewHeartbeatManager(conn *Conn, config *HeartbeatConfig) *HeartbeatManager {
	if config == nil {
		config = DefaultHeartbeatConfig()
	}
	return &HeartbeatManager{conn: conn, config: config, stopChan: make(chan struct{})}
}

func (c *Conn) setupHeartbeat() {
	c.heartbeat = NewHeartbeatManager(c, DefaultHeartbeatConfig())
	c.heartbeat.Start()
}

func (hm *HeartbeatManager) Start() {
	hm.mu.Lock()
	if !hm.config.Enabled || hm.running {
		hm.mu.Unlock()
		return
	}
	hm.running = true
	hm.mu.Unlock()
	go hm.loop()
}

func (hm *HeartbeatManager) Stop() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if !hm.running {
		return
	}
	hm.running = false
	close(hm.stopChan)
}

func (hm *HeartbeatManager) loop() {
	ticker := time.NewTicker(hm.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-hm.stopChan:
			return
		case <-ticker.C:
			hm.ping()
		}
	}
}

func (hm *HeartbeatManager) ping() {
	c := hm.conn
	ch, err := c.amqpConn.Channel()
	if err != nil {
		hm.missed("open channel: " + err.Error())
		return
	}
	defer ch.Close()

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		hm.missed("declare reply queue: " + err.Error())
		return
	}

	corrID := fmt.Sprintf("heartbeat_%d", time.Now().UnixNano())
	ping := map[string]interface{}{"clientIP": outboundIP(), "corrID": corrID}
	body, _ := json.Marshal(ping)

	msgs, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		hm.missed("consume reply queue: " + err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hm.config.Timeout)
	defer cancel()

	err = ch.PublishWithContext(ctx, "", serverQueueName, false, false, amqp.Publishing{
		Type:          "heartbeat_ping",
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	})
	if err != nil {
		hm.missed("publish ping: " + err.Error())
		return
	}

	select {
	case msg := <-msgs:
		if msg.CorrelationId == corrID {
			hm.mu.Lock()
			hm.missedBeats = 0
			hm.mu.Unlock()
			c.disp.MarkEndpointUp(c.ep)
		}
	case <-ctx.Done():
		hm.missed("timeout waiting for pong")
	}
}

func (hm *HeartbeatManager) missed(reason string) {
	hm.mu.Lock()
	hm.missedBeats++
	n := hm.missedBeats
	hm.mu.Unlock()

	log.Printf("[client-heartbeat] missed beat #%d: %s", n, reason)
	if n >= hm.config.MaxMissedBeats {
		hm.conn.disp.MarkEndpointDown(hm.conn.ep)
	}
}
