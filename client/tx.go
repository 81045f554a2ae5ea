package client

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Tx implements driver.Tx over the session's commit/rollback ops (spec.md
// §6). Grounded on the teacher's Tx (client/tx.go), simplified from a
// separate "transaction" RPC type with its own transactionID to sending
// "commit"/"rollback" against the same session the Conn already holds, since
// the server's session engine (not a side table keyed by transaction ID)
// is what tracks the open local transaction.
type Tx struct {
	conn      *Conn
	state     TxState
	startTime time.Time
	mu        sync.RWMutex
}

type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxRolledBack
)

func (ts TxState) String() string {
	switch ts {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

func newTransaction(conn *Conn) *Tx {
	tx := &Tx{conn: conn, state: TxActive, startTime: time.Now()}
	conn.logf("transaction started")
	return tx
}

func (tx *Tx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxActive {
		return fmt.Errorf("client: transaction is not active (state: %s)", tx.state)
	}

	ctx, cancel := context.WithTimeout(context.Background(), tx.conn.opts.timeout)
	defer cancel()
	if _, err := tx.conn.call(ctx, RPCRequest{Op: "commit", ConnHash: tx.conn.connHash, Session: tx.conn.sessionUUID}); err != nil {
		return fmt.Errorf("client: commit failed: %w", err)
	}

	tx.state = TxCommitted
	tx.conn.logf("transaction committed (duration %v)", time.Since(tx.startTime))
	tx.conn.clearActiveTransaction()
	return nil
}

func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxActive {
		return fmt.Errorf("client: transaction is not active (state: %s)", tx.state)
	}

	ctx, cancel := context.WithTimeout(context.Background(), tx.conn.opts.timeout)
	defer cancel()
	if _, err := tx.conn.call(ctx, RPCRequest{Op: "rollback", ConnHash: tx.conn.connHash, Session: tx.conn.sessionUUID}); err != nil {
		return fmt.Errorf("client: rollback failed: %w", err)
	}

	tx.state = TxRolledBack
	tx.conn.logf("transaction rolled back (duration %v)", time.Since(tx.startTime))
	tx.conn.clearActiveTransaction()
	return nil
}

func (tx *Tx) IsActive() bool {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.state == TxActive
}

func (tx *Tx) GetState() TxState {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.state
}

func (tx *Tx) GetDuration() time.Duration {
	return time.Since(tx.startTime)
}
