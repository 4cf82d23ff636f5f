package hub

import (
	"context"
	"log"
	"sync"

	"collabspace/internal/lifecycle"
	"collabspace/pkg/types"
)

// Hub owns one worker goroutine per active session and funnels every
// state-changing operation for a session through that worker's queue.
// ARCHITECTURAL DISCOVERY: Per-session serialization removes the need for
// locks around session state while letting unrelated sessions progress
// in parallel.
type Hub struct {
	lifecycle *lifecycle.Manager

	// TECHNICAL DISCOVERY: RWMutex allows concurrent dispatch lookups
	// while worker creation and retirement take the write lock
	mu      sync.RWMutex
	workers map[string]*sessionWorker
	running bool

	queueSize int
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// sessionWorker serializes all operations that touch one session.
type sessionWorker struct {
	sessionID string
	queue     chan operation
}

// operation is a unit of work bound for a session worker. run reports
// whether the session closed as a result, which retires the worker.
type operation struct {
	kind string
	run  func() (closed bool)
}

// NewHub creates a hub over the given lifecycle manager. queueSize caps
// the per-session operation backlog.
func NewHub(manager *lifecycle.Manager, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		lifecycle: manager,
		workers:   make(map[string]*sessionWorker),
		queueSize: queueSize,
		shutdown:  make(chan struct{}),
	}
}

// Start marks the hub as accepting dispatches. Workers are spawned on
// demand as sessions are created.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true

	log.Println("Starting session hub...")

	// TECHNICAL DISCOVERY: Context cancellation folds into the shared
	// shutdown channel so workers watch a single signal
	go func() {
		select {
		case <-ctx.Done():
			_ = h.Stop()
		case <-h.shutdown:
		}
	}()

	return nil
}

// Stop rejects further dispatches and waits for all session workers to
// drain and exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false

	log.Println("Stopping session hub...")

	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

// Dispatch routes a decoded client message to its session worker. A join
// with an empty sessionId creates a new session first, so the very first
// participant and the session itself come into being atomically from the
// client's point of view.
func (h *Hub) Dispatch(connID string, msg *types.Message) error {
	sessionID := msg.SessionID

	if msg.Type == types.MessageTypeJoin && sessionID == "" {
		session, err := h.createSession()
		if err != nil {
			return err
		}
		sessionID = session.ID
		msg.SessionID = sessionID

		// A rejected creating join leaves the session with an empty roster
		// that nothing would ever close; abort it so the worker retires and
		// the normal retention path runs.
		op := operation{kind: "join", run: func() bool {
			if err := h.lifecycle.Join(sessionID, connID, msg); err != nil {
				log.Printf("Create-join rejected: session=%s conn=%s err=%v", sessionID, connID, err)
				return h.lifecycle.AbortSession(sessionID)
			}
			return false
		}}
		return h.enqueue(sessionID, op)
	}

	op := h.operationFor(sessionID, connID, msg)
	return h.enqueue(sessionID, op)
}

// Disconnected reports transport loss for a bound participant. The
// participant turns stale immediately and the grace timer starts; they
// are not evicted until the disconnect grace elapses.
func (h *Hub) Disconnected(sessionID, participantID string) {
	op := operation{
		kind: "disconnect",
		run: func() bool {
			h.lifecycle.MarkStale(sessionID, participantID)
			return false
		},
	}
	if err := h.enqueue(sessionID, op); err != nil {
		log.Printf("Dropped disconnect event: session=%s participant=%s err=%v",
			sessionID, participantID, err)
	}
}

// ParticipantStale implements presence.Events. The heartbeat timeout
// fired on the tracker's timer goroutine; the roster update still has to
// run on the session worker.
func (h *Hub) ParticipantStale(sessionID, participantID string) {
	op := operation{
		kind: "stale",
		run: func() bool {
			h.lifecycle.HandleStaleTimeout(sessionID, participantID)
			return false
		},
	}
	if err := h.enqueue(sessionID, op); err != nil {
		log.Printf("Dropped stale event: session=%s participant=%s err=%v",
			sessionID, participantID, err)
	}
}

// ParticipantExpired implements presence.Events. The disconnect grace
// elapsed without recovery, so the participant is evicted.
func (h *Hub) ParticipantExpired(sessionID, participantID string) {
	op := operation{
		kind: "expire",
		run: func() bool {
			return h.lifecycle.Expire(sessionID, participantID)
		},
	}
	if err := h.enqueue(sessionID, op); err != nil {
		log.Printf("Dropped expire event: session=%s participant=%s err=%v",
			sessionID, participantID, err)
	}
}

// SessionCount reports the number of live session workers.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.workers)
}

func (h *Hub) operationFor(sessionID, connID string, msg *types.Message) operation {
	switch msg.Type {
	case types.MessageTypeJoin:
		return operation{kind: "join", run: func() bool {
			if err := h.lifecycle.Join(sessionID, connID, msg); err != nil {
				log.Printf("Join rejected: session=%s conn=%s err=%v", sessionID, connID, err)
			}
			return false
		}}
	case types.MessageTypeLeave:
		participantID := msg.ParticipantID
		return operation{kind: "leave", run: func() bool {
			return h.lifecycle.Leave(sessionID, participantID)
		}}
	case types.MessageTypeHeartbeat:
		participantID := msg.ParticipantID
		return operation{kind: "heartbeat", run: func() bool {
			h.lifecycle.Heartbeat(sessionID, participantID)
			return false
		}}
	default:
		return operation{kind: string(msg.Type), run: func() bool {
			h.lifecycle.ApplyMutation(sessionID, connID, msg)
			return false
		}}
	}
}

// createSession spins up a session and its worker under the write lock so
// no dispatch can observe the session without a worker to serve it.
func (h *Hub) createSession() (*types.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return nil, ErrHubNotRunning
	}

	session := h.lifecycle.NewSession()
	worker := &sessionWorker{
		sessionID: session.ID,
		queue:     make(chan operation, h.queueSize),
	}
	h.workers[session.ID] = worker
	h.wg.Add(1)
	go h.runWorker(worker)

	log.Printf("Session created: session=%s", session.ID)
	return session, nil
}

func (h *Hub) enqueue(sessionID string, op operation) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	worker, exists := h.workers[sessionID]
	if !exists {
		h.mu.RUnlock()
		return ErrSessionNotFound
	}

	// FUNCTIONAL DISCOVERY: Non-blocking send sheds load per session
	// instead of stalling the shared read path
	select {
	case worker.queue <- op:
		h.mu.RUnlock()
		return nil
	default:
		h.mu.RUnlock()
		return ErrQueueFull
	}
}

// runWorker is the per-session serialization point. Operations execute
// strictly in arrival order until the session closes or the hub stops.
func (h *Hub) runWorker(w *sessionWorker) {
	defer h.wg.Done()

	for {
		select {
		case op := <-w.queue:
			if op.run() {
				h.retireWorker(w)
				return
			}
		case <-h.shutdown:
			log.Printf("Session worker stopped: session=%s", w.sessionID)
			return
		}
	}
}

// retireWorker removes the worker from the dispatch map, then drains any
// operations that raced in before removal. Drained operations still run;
// the closed session rejects mutations and the senders get error replies.
func (h *Hub) retireWorker(w *sessionWorker) {
	h.mu.Lock()
	delete(h.workers, w.sessionID)
	h.mu.Unlock()

	for {
		select {
		case op := <-w.queue:
			op.run()
		default:
			log.Printf("Session worker retired: session=%s", w.sessionID)
			return
		}
	}
}
