package client

import (
	"context"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ojpio/ojp-go/dispatcher"
)

// serverQueueName is the queue every proxy node in a dispatcher-addressed
// cluster binds to on its own broker (spec.md §4.4: an endpoint is
// identified by its broker address, host:port, not by a per-node device ID
// as in the teacher's single-endpoint model — so every node answers on the
// same well-known queue name local to its own broker).
const serverQueueName = "ojp.server"

// Conn is one client-side database/sql connection: a session pinned to a
// single dispatcher-selected endpoint for its whole lifetime (spec.md §4.4:
// "no silent failover on sticky server crash"). Grounded on the teacher's
// Conn (client/conn.go), widened from one fixed device/broker pair to a
// dispatcher-chosen endpoint and a server-tracked session UUID.
type Conn struct {
	disp     *dispatcher.Dispatcher
	ep       *dispatcher.Endpoint
	amqpConn *amqp.Connection

	sessionUUID string
	connHash    string
	nativeURL   string
	opts        clientOptions
	debug       bool

	mu        sync.Mutex
	activeTx  *Tx
	heartbeat *HeartbeatManager
	closed    bool
}

func (c *Conn) logf(format string, args ...interface{}) {
	if c.debug {
		log.Printf("[client] "+format, args...)
	}
}

// connect issues the "connect" op that creates the server-side session, the
// first RPC on a freshly dialed Conn.
func (c *Conn) connect() error {
	c.connHash = connHashFor(c.nativeURL)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.timeout)
	defer cancel()

	resp, err := c.call(ctx, RPCRequest{
		Op:       "connect",
		ClientIP: outboundIP(),
		ConnHash: c.connHash,
		Session:  c.sessionUUID,
		DSN:      c.nativeURL,
		IsXA:     c.opts.isXA,
	})
	if err != nil {
		return err
	}
	if resp.Session != "" {
		c.sessionUUID = resp.Session
	}
	c.disp.TrackConnHash(c.connHash)
	return nil
}

func connHashFor(dsn string) string {
	sum := sha256.Sum256([]byte(dsn))
	return hex.EncodeToString(sum[:])[:32]
}

// Prepare implements driver.Conn. Statements are client-local: no server-side
// handle is allocated, the full query text is resent on every Exec/Query,
// matching the teacher's stateless Stmt (client/stmt.go).
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{conn: c, query: query, numInput: countPlaceholders(query)}, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.timeout)
	defer cancel()
	c.call(ctx, RPCRequest{Op: "terminateSession", ConnHash: c.connHash, Session: c.sessionUUID})

	c.disp.Release(c.sessionUUID)
	return c.amqpConn.Close()
}

func (c *Conn) Begin() (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeTx != nil {
		return nil, errors.New("client: a transaction is already active on this connection")
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.timeout)
	defer cancel()
	if _, err := c.call(ctx, RPCRequest{Op: "setAutoCommit", ConnHash: c.connHash, Session: c.sessionUUID, Extra: map[string]interface{}{"autoCommit": false}}); err != nil {
		return nil, err
	}
	tx := newTransaction(c)
	c.activeTx = tx
	return tx, nil
}

func (c *Conn) clearActiveTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeTx = nil
}

func (c *Conn) Query(query string, args []driver.Value) (driver.Rows, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.timeout)
	defer cancel()
	return c.queryRPC(ctx, "executeQuery", query, valuesToNamed(args))
}

func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return c.queryRPC(ctx, "executeQuery", query, args)
}

func (c *Conn) Exec(query string, args []driver.Value) (driver.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.timeout)
	defer cancel()
	return c.execRPC(ctx, query, valuesToNamed(args))
}

func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return c.execRPC(ctx, query, args)
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// functionPrefix is BurrowClient.ExecFunction's marker for routing a query
// through the "function" op instead of executeQuery, the same convention the
// teacher used for its "FUNCTION:"-prefixed queries, moved client-side now
// that Op is an explicit field rather than something the server infers from
// the query text.
const functionPrefix = "FUNCTION:"

func (c *Conn) queryRPC(ctx context.Context, op, query string, args []driver.NamedValue) (driver.Rows, error) {
	if len(query) > len(functionPrefix) && query[:len(functionPrefix)] == functionPrefix {
		op = "function"
		query = query[len(functionPrefix):]
	}
	resp, err := c.call(ctx, RPCRequest{
		Op:       op,
		ClientIP: outboundIP(),
		ConnHash: c.connHash,
		Session:  c.sessionUUID,
		Query:    query,
		Params:   argsToSlice(args),
	})
	if err != nil {
		return nil, err
	}
	return &Rows{columns: resp.Columns, rows: resp.Rows}, nil
}

func (c *Conn) execRPC(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	resp, err := c.call(ctx, RPCRequest{
		Op:       "executeUpdate",
		ClientIP: outboundIP(),
		ConnHash: c.connHash,
		Session:  c.sessionUUID,
		Query:    query,
		Params:   argsToSlice(args),
	})
	if err != nil {
		return nil, err
	}
	return &Result{affectedRows: resp.Updated}, nil
}

// call sends req to the session's sticky endpoint and waits for the matching
// response, the teacher's per-request reply-queue RPC idiom (client/conn.go).
func (c *Conn) call(ctx context.Context, req RPCRequest) (*RPCResponse, error) {
	ch, err := c.amqpConn.Channel()
	if err != nil {
		return nil, fmt.Errorf("client: open channel: %w", err)
	}
	defer ch.Close()

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("client: declare reply queue: %w", err)
	}

	corrID := fmt.Sprintf("%d", time.Now().UnixNano())
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	msgs, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("client: consume reply queue: %w", err)
	}

	if err := ch.PublishWithContext(ctx, "", serverQueueName, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	}); err != nil {
		return nil, fmt.Errorf("client: publish request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("client: timeout waiting for response to op %q", req.Op)
	case msg := <-msgs:
		if msg.CorrelationId != corrID {
			return nil, errors.New("client: correlation id mismatch")
		}
		var resp RPCResponse
		if err := json.Unmarshal(msg.Body, &resp); err != nil {
			return nil, fmt.Errorf("client: decode response: %w", err)
		}
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return &resp, nil
	}
}

func argsToSlice(args []driver.NamedValue) []interface{} {
	var out []interface{}
	for _, a := range args {
		out = append(out, a.Value)
	}
	return out
}

// outboundIP best-efforts the client's outbound IP for server-side logging
// and rate limiting, matching the teacher's getOutboundIP idiom: dial a UDP
// socket (no packet is actually sent) and read the chosen local address.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "unknown"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

var _ io.Closer = (*Conn)(nil)
