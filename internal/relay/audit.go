package relay

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/minehub-kr/rsm/internal/observability"
)

// Routing classes tagged onto mirrored envelopes.
const (
	AuditClassP2P       = "p2p"
	AuditClassBroadcast = "broadcast"
)

// AuditEvent is the wire shape delivered to observer connections: the
// managed-server UID, the routing class, and the routed envelope verbatim.
type AuditEvent struct {
	Server string          `json:"server"`
	Type   string          `json:"type"`
	Packet json.RawMessage `json:"packet"`
}

// defaultAuditBuffer is the mirror's event channel capacity. Events beyond
// it are dropped rather than delaying the routing hot path.
const defaultAuditBuffer = 256

// AuditMirror fans routed envelopes out to a pool of observer connections.
// Delivery is best-effort and unordered across observers: routing publishes
// into a buffered channel and a single drain goroutine writes to observers,
// so a slow or failed observer never blocks or errors the relay.
type AuditMirror struct {
	logger  *zap.Logger
	metrics *observability.RelayMetrics

	mu        sync.Mutex
	observers []Conn

	events chan AuditEvent
	done   chan struct{}
	stop   sync.Once
}

// NewAuditMirror creates a mirror with the default buffer size. logger must
// be non-nil; metrics may be nil.
func NewAuditMirror(logger *zap.Logger, metrics *observability.RelayMetrics) *AuditMirror {
	return &AuditMirror{
		logger:  logger,
		metrics: metrics,
		events:  make(chan AuditEvent, defaultAuditBuffer),
		done:    make(chan struct{}),
	}
}

// Register adds an observer connection to the pool. Observers receive every
// subsequently routed envelope; there is no replay of earlier traffic.
func (m *AuditMirror) Register(conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, conn)
	m.logger.Info("audit observer registered",
		zap.Int("observers", len(m.observers)),
	)
}

// Housekeep drops observers whose transport is no longer writable.
func (m *AuditMirror) Housekeep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.observers[:0]
	for _, conn := range m.observers {
		if conn.Writable() {
			live = append(live, conn)
		}
	}
	for i := len(live); i < len(m.observers); i++ {
		m.observers[i] = nil
	}
	m.observers = live
}

// ObserverCount returns the current pool size.
func (m *AuditMirror) ObserverCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers)
}

// Publish enqueues one routed envelope for observer delivery. Never blocks:
// when the buffer is full the event is dropped and counted.
func (m *AuditMirror) Publish(serverUID, class string, packet json.RawMessage) {
	ev := AuditEvent{Server: serverUID, Type: class, Packet: packet}
	select {
	case m.events <- ev:
	default:
		m.metrics.AuditDroppedInc()
		m.logger.Debug("audit event dropped, buffer full",
			zap.String("server", serverUID),
			zap.String("type", class),
		)
	}
}

// Start drains the event channel to the observer pool. It blocks until
// Stop is called and satisfies the lifecycle Service interface.
func (m *AuditMirror) Start() error {
	for {
		select {
		case <-m.done:
			return nil
		case ev := <-m.events:
			m.deliver(ev)
		}
	}
}

// Stop terminates the drain loop. Buffered events still undelivered are
// discarded; the mirror carries no guarantees worth a flush.
func (m *AuditMirror) Stop() {
	m.stop.Do(func() { close(m.done) })
}

// deliver writes one event to every live observer.
func (m *AuditMirror) deliver(ev AuditEvent) {
	frame, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn("encoding audit event", zap.Error(err))
		return
	}

	m.mu.Lock()
	observers := make([]Conn, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	stale := false
	for _, conn := range observers {
		if !conn.Writable() {
			stale = true
			continue
		}
		if err := conn.WriteMessage(frame); err != nil {
			stale = true
		}
	}
	if stale {
		m.Housekeep()
	}
}
