package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// WorkerPool admits decoded RPCRequest frames through a bounded set of
// goroutines, the outer concurrency layer the admission scheduler's
// fast/slow slots sit inside (SPEC_FULL.md §5). Grounded on the teacher's
// WorkerPool (server/worker_pool.go); adapted so the per-task context
// deadline comes from WorkerPoolConfig.Timeout instead of a hardcoded
// constant. That deadline bounds only processTask's panic-reply publish:
// handleMessage runs the request under a background context, so the
// timeout does not cut off a long-running operation.
type WorkerPool struct {
	workerCount int
	taskTimeout time.Duration
	queue       chan MessageTask
	handler     *Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex   sync.RWMutex
	started bool
}

// MessageTask is one AMQP delivery queued for a worker, plus the channel to
// reply on and the time it was enqueued (for queue-time logging).
type MessageTask struct {
	Channel   *amqp.Channel
	Message   amqp.Delivery
	Timestamp time.Time
}

// WorkerPoolConfig holds the pool's sizing and per-task deadline.
type WorkerPoolConfig struct {
	WorkerCount int
	QueueSize   int
	Timeout     time.Duration
}

func (c *WorkerPoolConfig) withDefaults() *WorkerPoolConfig {
	if c == nil {
		c = &WorkerPoolConfig{}
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// NewWorkerPool constructs a WorkerPool bound to handler.dispatch via
// handler.handleMessage; call Start to begin processing.
func NewWorkerPool(handler *Handler, cfg *WorkerPoolConfig) *WorkerPool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workerCount: cfg.WorkerCount,
		taskTimeout: cfg.Timeout,
		queue:       make(chan MessageTask, cfg.QueueSize),
		handler:     handler,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (wp *WorkerPool) Start() error {
	wp.mutex.Lock()
	defer wp.mutex.Unlock()

	if wp.started {
		return fmt.Errorf("worker pool already started")
	}

	log.Printf("[server] starting worker pool: workers=%d queue=%d timeout=%s", wp.workerCount, cap(wp.queue), wp.taskTimeout)
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.started = true
	return nil
}

// Stop signals shutdown and waits up to timeout for in-flight tasks to drain.
func (wp *WorkerPool) Stop(timeout time.Duration) error {
	wp.mutex.Lock()
	if !wp.started {
		wp.mutex.Unlock()
		return nil
	}
	wp.mutex.Unlock()

	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[server] worker pool stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool shutdown timeout after %s", timeout)
	}
}

// SubmitTask enqueues task, failing fast rather than blocking if the queue is
// full (spec.md §6: "server overloaded, please retry" is returned to the
// client by the caller in that case).
func (wp *WorkerPool) SubmitTask(task MessageTask) error {
	wp.mutex.RLock()
	defer wp.mutex.RUnlock()

	if !wp.started {
		return fmt.Errorf("worker pool not started")
	}

	select {
	case wp.queue <- task:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	default:
		return fmt.Errorf("worker pool queue is full")
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case task := <-wp.queue:
			wp.processTask(id, task)
		}
	}
}

// processTask hands one delivery to handler.handleMessage, recovering a
// panicking handler into an RPCResponse.Error reply rather than taking the
// whole worker down. The wp.taskTimeout context bounds that reply's publish;
// it is not passed to handleMessage.
func (wp *WorkerPool) processTask(workerID int, task MessageTask) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(wp.ctx, wp.taskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[server] worker %d recovered from panic: %v", workerID, r)
			errResp := RPCResponse{Error: fmt.Sprintf("internal server error: %v", r)}
			if body, err := json.Marshal(errResp); err == nil {
				task.Channel.PublishWithContext(ctx, "", task.Message.ReplyTo, false, false, amqp.Publishing{
					ContentType:   "application/json",
					CorrelationId: task.Message.CorrelationId,
					Body:          body,
				})
			}
		}
	}()

	queueTime := start.Sub(task.Timestamp)
	if queueTime > wp.taskTimeout/2 {
		log.Printf("[server] worker %d picked up task after %s in queue", workerID, queueTime)
	}

	wp.handler.handleMessage(task.Channel, task.Message)
}

// GetStats reports current pool occupancy for diagnostics.
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	wp.mutex.RLock()
	defer wp.mutex.RUnlock()
	return WorkerPoolStats{
		WorkerCount: wp.workerCount,
		QueueSize:   cap(wp.queue),
		QueuedTasks: len(wp.queue),
		IsRunning:   wp.started && wp.ctx.Err() == nil,
	}
}

type WorkerPoolStats struct {
	WorkerCount int
	QueueSize   int
	QueuedTasks int
	IsRunning   bool
}
