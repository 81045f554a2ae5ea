// This file implements the Handler's RPC dispatch loop: consuming requests off
// the shared serverQueueName queue, admitting them through the slow-query scheduler, and
// routing each operation from spec.md §6 to the session engine, the pool
// providers, or the XA registry. Grounded on the teacher's Handler.Start/
// handleMessage/handleSQL (server/server.go), generalized from a flat
// sql/function/command protocol to the full session-and-statement lifecycle.
package server

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"reflect"
	"strconv"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ojpio/ojp-go/admission"
	"github.com/ojpio/ojp-go/config"
	"github.com/ojpio/ojp-go/ojperr"
	"github.com/ojpio/ojp-go/pool"
	"github.com/ojpio/ojp-go/session"
	"github.com/ojpio/ojp-go/xa"
)

// NewHandler builds a fully-wired Handler from a ServerConfig, matching the
// teacher's NewHandler/NewServerFactory split (server/server_factory.go) but
// collapsed into one constructor since every sub-component here is built
// from the same config, not passed in piecemeal.
func NewHandler(deviceID, amqpURL string, cfg *config.ServerConfig) *Handler {
	if cfg == nil {
		cfg = config.DefaultServerConfig()
	}

	ordinary := pool.NewOrdinaryProvider()
	xaPool := pool.NewXAProvider()
	xaReg := xa.NewRegistry(int(sql.LevelReadCommitted))

	h := &Handler{
		deviceID: deviceID,
		amqpURL:  amqpURL,
		cfg:      cfg,
		ordinary: ordinary,
		xaPool:   xaPool,
		xaReg:    xaReg,
		resolver: newConnHashRegistry(),
	}

	h.sessions = session.NewEngine(&connHashResolver{h: h}, xaReg, cfg.SessionTimeout, cfg.SessionCleanupInterval)

	admCfg := admission.Config{
		Enabled:                 cfg.SlowQuerySegregationEnabled,
		SlowSlotPercentage:      cfg.SlowSlotPercentage,
		WorkerCount:             cfg.WorkerCount,
		FastSlotTimeout:         cfg.FastSlotTimeout,
		SlowSlotTimeout:         cfg.SlowSlotTimeout,
		UpdateGlobalAvgInterval: cfg.UpdateGlobalAvgInterval,
		StatsCacheSize:          4096,
	}
	adm, err := admission.NewScheduler(admCfg)
	if err != nil {
		log.Printf("[server] admission scheduler disabled: %v", err)
		adm, _ = admission.NewScheduler(admission.Config{})
	}
	h.adm = adm

	h.validator = NewSQLValidator(cfg)
	h.cache = NewQueryCache(cfg)
	h.rateLimit = NewRateLimiter(cfg)
	h.workerPool = NewWorkerPool(h, &WorkerPoolConfig{
		WorkerCount: cfg.WorkerCount,
		QueueSize:   cfg.QueueSize,
		Timeout:     30 * time.Second,
	})
	h.heartbeat = NewServerHeartbeatManager(deviceID, DefaultServerHeartbeatConfig())

	return h
}

// Start dials the broker, declares the shared serverQueueName queue, and runs the RPC loop
// until ctx is cancelled. Grounded on the teacher's Handler.Start.
func (h *Handler) Start(ctx context.Context) error {
	var err error
	h.conn, err = amqp.Dial(h.amqpURL)
	if err != nil {
		return fmt.Errorf("server: connect to broker: %w", err)
	}
	defer h.conn.Close()

	ch, err := h.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(serverQueueName, false, false, false, false, nil); err != nil {
		return fmt.Errorf("server: declare queue: %w", err)
	}

	msgs, err := ch.Consume(serverQueueName, "", true, true, false, false, nil)
	if err != nil {
		return err
	}
	log.Printf("[server] node %s listening on queue %s", h.deviceID, serverQueueName)

	if err := h.workerPool.Start(); err != nil {
		return fmt.Errorf("server: start worker pool: %w", err)
	}
	defer h.workerPool.Stop(10 * time.Second)
	defer h.rateLimit.Stop()
	defer h.sessions.Stop()
	defer h.adm.Stop()
	h.heartbeat.Start()
	defer h.heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[server] shutting down")
			return nil
		case msg := <-msgs:
			task := MessageTask{Channel: ch, Message: msg, Timestamp: time.Now()}
			if err := h.workerPool.SubmitTask(task); err != nil {
				log.Printf("[server] worker pool rejected task: %v", err)
				h.respond(ch, msg.ReplyTo, msg.CorrelationId, RPCResponse{Error: "server overloaded, please retry"})
			}
		}
	}
}

// handleMessage decodes one request frame and routes it to the matching op
// handler. Runs on a worker-pool goroutine (server/worker_pool.go).
func (h *Handler) handleMessage(ch *amqp.Channel, msg amqp.Delivery) {
	if msg.Type == "heartbeat_ping" {
		h.heartbeat.HandleHeartbeatPing(ch, msg)
		return
	}

	var req RPCRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		h.respond(ch, msg.ReplyTo, msg.CorrelationId, RPCResponse{Error: err.Error()})
		return
	}

	if !h.rateLimit.Allow(req.ConnHash, req.ClientIP) {
		h.respond(ch, msg.ReplyTo, msg.CorrelationId, RPCResponse{Error: "rate limit exceeded"})
		return
	}

	ctx := context.Background()
	resp := h.dispatch(ctx, req)
	h.respond(ch, msg.ReplyTo, msg.CorrelationId, resp)
}

// dispatch routes req.Op to the matching handler, covering every operation
// from spec.md §6's list. Unknown sessions surface as StaleSession, matching
// the error taxonomy in §7.
func (h *Handler) dispatch(ctx context.Context, req RPCRequest) RPCResponse {
	switch req.Op {
	case "connect":
		return h.opConnect(ctx, req)
	case "terminateSession":
		return h.opTerminateSession(ctx, req)
	case "execute", "executeQuery", "executeUpdate":
		return h.opExecute(ctx, req)
	case "prepareStatement":
		return h.opPrepareStatement(ctx, req)
	case "fetchResultSet":
		return h.opFetchResultSet(ctx, req)
	case "readLob":
		return h.opReadLob(ctx, req)
	case "writeLob":
		return h.opWriteLob(ctx, req)
	case "commit":
		return h.opCommit(ctx, req)
	case "rollback":
		return h.opRollback(ctx, req)
	case "setAutoCommit":
		return h.opSetAutoCommit(ctx, req)
	case "setTransactionIsolation":
		return h.opSetIsolation(ctx, req)
	case "xaStart":
		return h.opXAStart(ctx, req)
	case "xaEnd":
		return h.opXAEnd(ctx, req)
	case "xaPrepare":
		return h.opXAPrepare(ctx, req)
	case "xaCommit":
		return h.opXACommit(ctx, req)
	case "xaRollback":
		return h.opXARollback(ctx, req)
	case "xaForget":
		return h.opXAForget(ctx, req)
	case "xaRecover":
		return h.opXARecover(ctx, req)
	case "xaSetTransactionTimeout":
		return h.opXASetTransactionTimeout(ctx, req)
	case "function":
		return h.opFunction(ctx, req)
	case "resizePool":
		return h.opResizePool(ctx, req)
	default:
		return RPCResponse{Error: fmt.Sprintf("unsupported op: %s", req.Op)}
	}
}

func errResp(err error) RPCResponse { return RPCResponse{Error: err.Error()} }

// connHash derives a stable pool key from a DSN, the way the teacher derived
// deviceID from a hash of its configured identity (server/types.go's doc
// comment: "typically a SHA256 hash").
func connHashFor(dsn string) string {
	sum := sha256.Sum256([]byte(dsn))
	return hex.EncodeToString(sum[:])[:32]
}

// opConnect implements spec.md §6's connect op: creates (or reuses) the
// backend pool for the requested DSN, creates a Session, and — for XA
// sessions — eagerly binds a BackendSession, per spec.md §4.1 step 2.
func (h *Handler) opConnect(ctx context.Context, req RPCRequest) RPCResponse {
	connHash := req.ConnHash
	if connHash == "" {
		connHash = connHashFor(req.DSN)
	}
	h.resolver.markXA(connHash, req.IsXA)

	if req.IsXA {
		cfg := pool.Config{
			ConnHash:              connHash,
			XADataSourceClassName: stringExtra(req.Extra, "xaDataSourceClassName", "mysql-xa"),
			XAURL:                 req.DSN,
			XAMaxPoolSize:         h.cfg.XAMaxPoolSize,
			XAMinIdle:             h.cfg.XAMinIdle,
			XAConnectionTimeout:   h.cfg.XAConnectionTimeout,
			XAIdleTimeout:         h.cfg.XAIdleTimeout,
			XAMaxLifetime:         h.cfg.XAMaxLifetime,
			LeakDetectionEnabled:  h.cfg.LeakDetectionEnabled,
			LeakDetectionInterval: h.cfg.LeakDetectionInterval,
			DiagnosticsEnabled:    h.cfg.DiagnosticsEnabled,
			DiagnosticsInterval:   h.cfg.DiagnosticsInterval,
			DefaultIsolation:      int(sql.LevelReadCommitted),
		}
		if err := h.xaPool.Create(ctx, cfg); err != nil {
			return errResp(err)
		}
	} else {
		cfg := pool.Config{
			ConnHash:        connHash,
			DriverName:      "mysql",
			DSN:             req.DSN,
			MaxIdleConns:    h.cfg.PoolMaxIdleConns,
			MaxOpenConns:    h.cfg.PoolMaxOpenConns,
			ConnMaxLifetime: h.cfg.PoolConnMaxLifetime,
			ConnTimeout:     h.cfg.PoolConnTimeout,
		}
		if err := h.ordinary.Create(ctx, cfg); err != nil {
			return errResp(err)
		}
	}

	clientUUID, err := uuid.Parse(req.Session)
	if err != nil {
		clientUUID = uuid.New()
	}
	s := h.sessions.Create(clientUUID, connHash, req.IsXA)

	if req.IsXA {
		backend, err := h.xaPool.Borrow(ctx, connHash)
		if err != nil {
			return errResp(err)
		}
		b := backend.Value()
		h.resolver.mu.Lock()
		h.resolver.loaned[b] = backend
		h.resolver.mu.Unlock()
		s.SetXABackend(b)
		h.xaReg.BindSession(s.UUID.String(), b)
	} else if err := h.sessions.Acquire(ctx, s); err != nil {
		return errResp(err)
	}

	return RPCResponse{Session: s.UUID.String()}
}

func stringExtra(extra map[string]interface{}, key, def string) string {
	if extra == nil {
		return def
	}
	if v, ok := extra[key].(string); ok && v != "" {
		return v
	}
	return def
}

// intExtra mirrors stringExtra for numeric extras. JSON numbers decode to
// float64 by default, so that is the type actually seen here.
func intExtra(extra map[string]interface{}, key string, def int) int {
	if extra == nil {
		return def
	}
	switch v := extra[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// opResizePool implements the dispatcher's per-endpoint dynamic pool sizing
// (spec.md §4.4): the client computes target = ceil(globalMaxPoolSize /
// healthyEndpointCount) and reissues it here whenever endpoint health
// changes. minIdle is kept proportional to the new target rather than the
// pool's original configured minIdle, so a shrinking pool doesn't keep more
// idle resources than its new ceiling allows.
func (h *Handler) opResizePool(ctx context.Context, req RPCRequest) RPCResponse {
	connHash := req.ConnHash
	if connHash == "" {
		return errResp(ojperr.New(ojperr.KindPoolResizeFailed, "server: resizePool requires connHash"))
	}
	maxTotal := intExtra(req.Extra, "maxPoolSize", 0)
	if maxTotal <= 0 {
		return errResp(ojperr.New(ojperr.KindPoolResizeFailed, "server: resizePool requires a positive maxPoolSize"))
	}

	minIdle := maxTotal / 2
	if minIdle < 1 {
		minIdle = 1
	}

	var err error
	if h.resolver.isXAFor(connHash) {
		err = h.xaPool.Resize(ctx, connHash, maxTotal, minIdle)
	} else {
		err = h.ordinary.Resize(ctx, connHash, maxTotal, minIdle)
	}
	if err != nil {
		return errResp(err)
	}
	return RPCResponse{}
}

func (h *Handler) opTerminateSession(ctx context.Context, req RPCRequest) RPCResponse {
	id, err := uuid.Parse(req.Session)
	if err != nil {
		return errResp(ojperr.New(ojperr.KindStaleSession, "server: invalid session id"))
	}
	if err := h.sessions.Terminate(ctx, id); err != nil {
		return errResp(err)
	}
	return RPCResponse{}
}

func (h *Handler) sessionConn(ctx context.Context, req RPCRequest) (*session.Session, *sql.Conn, RPCResponse) {
	id, err := uuid.Parse(req.Session)
	if err != nil {
		return nil, nil, errResp(ojperr.New(ojperr.KindStaleSession, "server: invalid session id"))
	}
	s, err := h.sessions.Get(id)
	if err != nil {
		return nil, nil, errResp(err)
	}
	s.Touch()
	if err := h.sessions.Acquire(ctx, s); err != nil {
		return nil, nil, errResp(err)
	}
	if s.IsXA {
		b := s.XABackend()
		if b == nil || b.Conn == nil {
			return nil, nil, errResp(ojperr.New(ojperr.KindStaleSession, "server: XA session %s has no backend connection", s.UUID))
		}
		return s, b.Conn, RPCResponse{}
	}
	conn, err := s.Conn()
	if err != nil {
		return nil, nil, errResp(err)
	}
	return s, conn, RPCResponse{}
}

// opExecute covers execute/executeQuery/executeUpdate: admitted through the
// slow-query scheduler (spec.md §4.5), validated (server/sql_validator.go),
// and served from cache when eligible (server/query_cache.go).
func (h *Handler) opExecute(ctx context.Context, req RPCRequest) RPCResponse {
	s, conn, errR := h.sessionConn(ctx, req)
	if conn == nil {
		return errR
	}

	result := h.validator.ValidateQuery(req)
	if !result.Valid {
		return RPCResponse{Error: fmt.Sprintf("query rejected: %v", result.Errors)}
	}

	cacheable := req.Op != "executeUpdate" && s.Tx() == nil && !s.IsXA
	if cacheable {
		if cached, ok := h.cache.Get(req.ConnHash, req.Query, req.Params); ok {
			return *cached
		}
	}

	release, err := h.adm.Admit(ctx, req.Query)
	if err != nil {
		return errResp(err)
	}
	start := time.Now()
	defer func() {
		release()
		h.adm.Observe(req.Query, time.Since(start))
	}()

	if req.Op == "executeUpdate" {
		res, err := conn.ExecContext(ctx, req.Query, req.Params...)
		if err != nil {
			return errResp(ojperr.Wrap(ojperr.KindBackendError, err, "server: exec failed"))
		}
		n, _ := res.RowsAffected()
		return RPCResponse{Updated: n}
	}

	rows, err := conn.QueryContext(ctx, req.Query, req.Params...)
	if err != nil {
		return errResp(ojperr.Wrap(ojperr.KindBackendError, err, "server: query failed"))
	}
	defer rows.Close()

	resp, err := h.rowsToResponse(rows)
	if err != nil {
		return errResp(err)
	}
	if cacheable {
		h.cache.Set(req.ConnHash, req.Query, req.Params, resp)
	}
	return resp
}

func (h *Handler) rowsToResponse(rows *sql.Rows) (RPCResponse, error) {
	cols, err := rows.Columns()
	if err != nil {
		return RPCResponse{}, err
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return RPCResponse{}, err
	}
	var data [][]interface{}
	for rows.Next() {
		scanDest := make([]interface{}, len(cols))
		for i := range scanDest {
			scanDest[i] = new(interface{})
		}
		if err := rows.Scan(scanDest...); err != nil {
			return RPCResponse{}, err
		}
		row := make([]interface{}, len(cols))
		for i, val := range scanDest {
			row[i] = h.convertDatabaseValue(*(val.(*interface{})), colTypes[i])
		}
		data = append(data, row)
	}
	return RPCResponse{Columns: cols, Rows: data}, nil
}

// opPrepareStatement stores a *sql.Stmt in the session's resource arena
// (spec.md §9) and returns its UUID handle.
func (h *Handler) opPrepareStatement(ctx context.Context, req RPCRequest) RPCResponse {
	_, conn, errR := h.sessionConn(ctx, req)
	if conn == nil {
		return errR
	}
	stmt, err := conn.PrepareContext(ctx, req.Query)
	if err != nil {
		return errResp(ojperr.Wrap(ojperr.KindBackendError, err, "server: prepare failed"))
	}
	s, _ := h.sessions.Get(uuid.MustParse(req.Session))
	id := s.PutResource(stmt)
	return RPCResponse{Session: id.String()}
}

// opFetchResultSet executes a previously prepared statement (identified by
// req.Extra["statement"]) and returns its full result set.
func (h *Handler) opFetchResultSet(ctx context.Context, req RPCRequest) RPCResponse {
	s, err := h.sessions.Get(uuid.MustParse(req.Session))
	if err != nil {
		return errResp(err)
	}
	stmtID, err := uuid.Parse(stringExtra(req.Extra, "statement", ""))
	if err != nil {
		return errResp(ojperr.New(ojperr.KindProtocolError, "server: missing statement handle"))
	}
	res, ok := s.Resource(stmtID)
	if !ok {
		return errResp(ojperr.New(ojperr.KindStaleSession, "server: statement %s not found", stmtID))
	}
	stmt, ok := res.(*sql.Stmt)
	if !ok {
		return errResp(ojperr.New(ojperr.KindProtocolError, "server: handle %s is not a statement", stmtID))
	}
	rows, err := stmt.QueryContext(ctx, req.Params...)
	if err != nil {
		return errResp(ojperr.Wrap(ojperr.KindBackendError, err, "server: fetch failed"))
	}
	defer rows.Close()
	resp, err := h.rowsToResponse(rows)
	if err != nil {
		return errResp(err)
	}
	return resp
}

// lobResource is an in-memory LOB payload stored in the session arena,
// addressed by UUID per spec.md §4.1's "readLob"/"writeLob" operations. The
// teacher has no LOB concept; this is new, grounded on the same arena idiom
// used for statements and result sets.
type lobResource struct{ data []byte }

func (l *lobResource) Close() error { return nil }

func (h *Handler) opWriteLob(ctx context.Context, req RPCRequest) RPCResponse {
	s, err := h.sessions.Get(uuid.MustParse(req.Session))
	if err != nil {
		return errResp(err)
	}
	id := s.PutResource(&lobResource{data: []byte(req.Query)})
	return RPCResponse{Session: id.String()}
}

func (h *Handler) opReadLob(ctx context.Context, req RPCRequest) RPCResponse {
	s, err := h.sessions.Get(uuid.MustParse(req.Session))
	if err != nil {
		return errResp(err)
	}
	lobID, err := uuid.Parse(stringExtra(req.Extra, "lob", ""))
	if err != nil {
		return errResp(ojperr.New(ojperr.KindProtocolError, "server: missing lob handle"))
	}
	res, ok := s.Resource(lobID)
	if !ok {
		return errResp(ojperr.New(ojperr.KindStaleSession, "server: lob %s not found", lobID))
	}
	lob, ok := res.(*lobResource)
	if !ok {
		return errResp(ojperr.New(ojperr.KindProtocolError, "server: handle %s is not a lob", lobID))
	}
	return RPCResponse{Columns: []string{"data"}, Rows: [][]interface{}{{string(lob.data)}}}
}

func (h *Handler) opCommit(ctx context.Context, req RPCRequest) RPCResponse {
	s, err := h.sessions.Get(uuid.MustParse(req.Session))
	if err != nil {
		return errResp(err)
	}
	if tx := s.Tx(); tx != nil {
		if err := tx.Commit(); err != nil {
			return errResp(ojperr.Wrap(ojperr.KindBackendError, err, "server: commit failed"))
		}
		s.SetTx(nil)
	}
	return RPCResponse{}
}

func (h *Handler) opRollback(ctx context.Context, req RPCRequest) RPCResponse {
	s, err := h.sessions.Get(uuid.MustParse(req.Session))
	if err != nil {
		return errResp(err)
	}
	if tx := s.Tx(); tx != nil {
		if err := tx.Rollback(); err != nil {
			return errResp(ojperr.Wrap(ojperr.KindBackendError, err, "server: rollback failed"))
		}
		s.SetTx(nil)
	}
	return RPCResponse{}
}

func (h *Handler) opSetAutoCommit(ctx context.Context, req RPCRequest) RPCResponse {
	s, conn, errR := h.sessionConn(ctx, req)
	if conn == nil {
		return errR
	}
	autoCommit, _ := req.Extra["autoCommit"].(bool)
	if !autoCommit && s.Tx() == nil {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return errResp(ojperr.Wrap(ojperr.KindBackendError, err, "server: begin failed"))
		}
		s.SetTx(tx)
	}
	return RPCResponse{}
}

func (h *Handler) opSetIsolation(ctx context.Context, req RPCRequest) RPCResponse {
	_, conn, errR := h.sessionConn(ctx, req)
	if conn == nil {
		return errR
	}
	level, _ := req.Extra["level"].(float64)
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET SESSION TRANSACTION ISOLATION LEVEL %s", isolationName(int(level)))); err != nil {
		return errResp(ojperr.Wrap(ojperr.KindBackendError, err, "server: set isolation failed"))
	}
	return RPCResponse{}
}

func isolationName(level int) string {
	switch sql.IsolationLevel(level) {
	case sql.LevelReadUncommitted:
		return "READ UNCOMMITTED"
	case sql.LevelRepeatableRead:
		return "REPEATABLE READ"
	case sql.LevelSerializable:
		return "SERIALIZABLE"
	default:
		return "READ COMMITTED"
	}
}

func xidFromWire(w *WireXid) (xa.XidKey, error) {
	if w == nil {
		return xa.XidKey{}, ojperr.New(ojperr.KindProtocolError, "server: missing xid")
	}
	return xa.NewXidKey(w.FormatID, w.Gtrid, w.Bqual)
}

func (h *Handler) opXAStart(ctx context.Context, req RPCRequest) RPCResponse {
	xid, err := xidFromWire(req.Xid)
	if err != nil {
		return errResp(err)
	}
	if err := h.xaReg.Start(ctx, req.Session, xid, req.Flags); err != nil {
		return errResp(err)
	}
	return RPCResponse{}
}

func (h *Handler) opXAEnd(ctx context.Context, req RPCRequest) RPCResponse {
	xid, err := xidFromWire(req.Xid)
	if err != nil {
		return errResp(err)
	}
	if err := h.xaReg.End(ctx, xid, req.Flags); err != nil {
		return errResp(err)
	}
	return RPCResponse{}
}

func (h *Handler) opXAPrepare(ctx context.Context, req RPCRequest) RPCResponse {
	xid, err := xidFromWire(req.Xid)
	if err != nil {
		return errResp(err)
	}
	if err := h.xaReg.Prepare(ctx, xid); err != nil {
		return errResp(err)
	}
	return RPCResponse{Prepared: true}
}

func (h *Handler) opXACommit(ctx context.Context, req RPCRequest) RPCResponse {
	xid, err := xidFromWire(req.Xid)
	if err != nil {
		return errResp(err)
	}
	if err := h.xaReg.Commit(ctx, xid, req.OnePhase); err != nil {
		return errResp(err)
	}
	return RPCResponse{}
}

func (h *Handler) opXARollback(ctx context.Context, req RPCRequest) RPCResponse {
	xid, err := xidFromWire(req.Xid)
	if err != nil {
		return errResp(err)
	}
	if err := h.xaReg.Rollback(ctx, xid); err != nil {
		return errResp(err)
	}
	return RPCResponse{}
}

func (h *Handler) opXAForget(ctx context.Context, req RPCRequest) RPCResponse {
	xid, err := xidFromWire(req.Xid)
	if err != nil {
		return errResp(err)
	}
	if err := h.xaReg.Forget(ctx, xid); err != nil {
		return errResp(err)
	}
	return RPCResponse{}
}

func (h *Handler) opXARecover(ctx context.Context, req RPCRequest) RPCResponse {
	s, err := h.sessions.Get(uuid.MustParse(req.Session))
	if err != nil {
		return errResp(err)
	}
	b := s.XABackend()
	if b == nil {
		return errResp(ojperr.New(ojperr.KindStaleSession, "server: session %s has no XA backend", s.UUID))
	}
	xids, err := h.xaReg.Recover(ctx, b, req.Flags)
	if err != nil {
		return errResp(err)
	}
	wire := make([]WireXid, len(xids))
	for i, x := range xids {
		wire[i] = WireXid{FormatID: x.FormatID, Gtrid: x.Gtrid(), Bqual: x.Bqual()}
	}
	return RPCResponse{Xids: wire}
}

func (h *Handler) opXASetTransactionTimeout(ctx context.Context, req RPCRequest) RPCResponse {
	xid, err := xidFromWire(req.Xid)
	if err != nil {
		return errResp(err)
	}
	if err := h.xaReg.SetTransactionTimeout(xid, req.Timeout); err != nil {
		return errResp(err)
	}
	return RPCResponse{}
}

// opFunction preserves the teacher's reflection-based dynamic function
// registry (server/server.go's handleFunction), used by MonitoringManager to
// expose diagnostic endpoints (getCacheStats, getSystemStatus, ...).
func (h *Handler) opFunction(ctx context.Context, req RPCRequest) RPCResponse {
	var funcReq FunctionRequest
	if err := json.Unmarshal([]byte(req.Query), &funcReq); err != nil {
		return RPCResponse{Error: fmt.Sprintf("invalid function request: %v", err)}
	}
	result, err := h.executeFunction(ctx, funcReq)
	if err != nil {
		return RPCResponse{Error: fmt.Sprintf("function execution failed: %v", err)}
	}
	columns, rows := h.convertFunctionResult(result)
	return RPCResponse{Columns: columns, Rows: rows}
}

// RegisterFunction registers a diagnostic function by name (used by
// MonitoringManager), matching the teacher's RegisterFunction.
func (h *Handler) RegisterFunction(name string, function interface{}) {
	if h.functionRegistry == nil {
		h.functionRegistry = make(map[string]interface{})
	}
	h.functionRegistry[name] = function
}

func (h *Handler) RegisterFunctions(functions map[string]interface{}) {
	for name, fn := range functions {
		h.RegisterFunction(name, fn)
	}
}

func (h *Handler) GetRegisteredFunctions() []string {
	names := make([]string, 0, len(h.functionRegistry))
	for name := range h.functionRegistry {
		names = append(names, name)
	}
	return names
}

func (h *Handler) executeFunction(ctx context.Context, funcReq FunctionRequest) ([]interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	fn := h.getFunctionByName(funcReq.Name)
	if !fn.IsValid() {
		return nil, fmt.Errorf("function '%s' not found", funcReq.Name)
	}
	params, err := h.prepareFunctionParams(funcReq.Params, fn.Type())
	if err != nil {
		return nil, fmt.Errorf("error preparing parameters: %v", err)
	}
	results := fn.Call(params)
	out := make([]interface{}, 0, len(results))
	for _, r := range results {
		out = append(out, r.Interface())
	}
	return out, nil
}

func (h *Handler) getFunctionByName(name string) reflect.Value {
	if h.functionRegistry == nil {
		return reflect.Value{}
	}
	if fn, ok := h.functionRegistry[name]; ok {
		return reflect.ValueOf(fn)
	}
	return reflect.Value{}
}

func (h *Handler) prepareFunctionParams(params []FunctionParam, funcType reflect.Type) ([]reflect.Value, error) {
	if len(params) != funcType.NumIn() {
		return nil, fmt.Errorf("expected %d parameters, got %d", funcType.NumIn(), len(params))
	}
	values := make([]reflect.Value, 0, len(params))
	for i, param := range params {
		v, err := h.convertToType(param.Value, funcType.In(i))
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %v", i, err)
		}
		values = append(values, v)
	}
	return values, nil
}

func (h *Handler) convertToType(value interface{}, targetType reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(targetType), nil
	}
	valueType := reflect.TypeOf(value)
	if valueType == targetType {
		return reflect.ValueOf(value), nil
	}
	switch targetType.Kind() {
	case reflect.String:
		return reflect.ValueOf(fmt.Sprintf("%v", value)), nil
	case reflect.Int:
		switch v := value.(type) {
		case float64:
			return reflect.ValueOf(int(v)), nil
		case string:
			if i, err := strconv.Atoi(v); err == nil {
				return reflect.ValueOf(i), nil
			}
		}
	case reflect.Bool:
		if v, ok := value.(string); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				return reflect.ValueOf(b), nil
			}
		}
	case reflect.Slice:
		if valueType.Kind() == reflect.Slice {
			src := reflect.ValueOf(value)
			dst := reflect.MakeSlice(targetType, src.Len(), src.Len())
			for i := 0; i < src.Len(); i++ {
				converted, err := h.convertToType(src.Index(i).Interface(), targetType.Elem())
				if err != nil {
					return reflect.Value{}, err
				}
				dst.Index(i).Set(converted)
			}
			return dst, nil
		}
	case reflect.Struct:
		if valueType.Kind() == reflect.Map || valueType.Kind() == reflect.Interface {
			if data, err := json.Marshal(value); err == nil {
				nv := reflect.New(targetType)
				if json.Unmarshal(data, nv.Interface()) == nil {
					return nv.Elem(), nil
				}
			}
		}
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %v to %v", valueType, targetType)
}

func (h *Handler) convertFunctionResult(results []interface{}) ([]string, [][]interface{}) {
	if len(results) == 0 {
		return []string{"result"}, [][]interface{}{{"no output"}}
	}
	if len(results) == 1 {
		result := results[0]
		if err, ok := result.(error); ok {
			if err != nil {
				return []string{"error"}, [][]interface{}{{err.Error()}}
			}
			return []string{"result"}, [][]interface{}{{"success"}}
		}
		return []string{"result"}, [][]interface{}{{h.formatResult(result)}}
	}
	columns := make([]string, len(results))
	row := make([]interface{}, len(results))
	for i, res := range results {
		columns[i] = fmt.Sprintf("result_%d", i+1)
		if err, ok := res.(error); ok {
			if err != nil {
				row[i] = err.Error()
			} else {
				row[i] = "success"
			}
			continue
		}
		row[i] = h.formatResult(res)
	}
	return columns, [][]interface{}{row}
}

func (h *Handler) formatResult(result interface{}) interface{} {
	if result == nil {
		return "null"
	}
	switch v := result.(type) {
	case []int, []string:
		return fmt.Sprintf("%v", v)
	default:
		if reflect.TypeOf(result).Kind() == reflect.Struct {
			if data, err := json.Marshal(v); err == nil {
				return string(data)
			}
			return fmt.Sprintf("%+v", v)
		}
		return result
	}
}

// convertDatabaseValue normalizes a scanned column value into a
// JSON-serializable representation, matching the teacher's
// convertDatabaseValue (server/server.go).
func (h *Handler) convertDatabaseValue(val interface{}, colType *sql.ColumnType) interface{} {
	if val == nil {
		return nil
	}
	switch v := val.(type) {
	case []byte:
		return string(v)
	default:
		return v
	}
}

// GetCacheStats, GetSQLValidationStats and ClearCache expose the
// supplemented-feature statistics MonitoringManager surfaces as diagnostic
// functions (server/monitoring.go).
func (h *Handler) GetCacheStats() CacheStats               { return h.cache.GetStats() }
func (h *Handler) GetSQLValidationStats() ValidationStats  { return h.validator.GetStats() }
func (h *Handler) ClearCache()                             { h.cache.Clear() }

func (h *Handler) respond(ch *amqp.Channel, replyTo, corrID string, resp RPCResponse) {
	body, _ := json.Marshal(resp)
	ch.PublishWithContext(context.Background(), "", replyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		Body:          body,
	})
}
