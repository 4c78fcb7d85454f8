package scheduler

import (
	"sync"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

// Snapshot is the read-only view published after every poll cycle. It
// shares no memory with scheduler state.
type Snapshot struct {
	Timestamp        time.Time
	Sample           *telemetry.Sample
	Fresh            bool
	RecentAlerts     []telemetry.AlertEvent
	Optimizer        telemetry.OptimizationState
	OptimizerEnabled bool
	PollFailures     int
	StoreFailures    int
	LiveOnly         bool
	Stability        float64
	NextPoll         time.Duration
}

// Healthy reports whether both the device and the store are reachable.
func (s Snapshot) Healthy() bool {
	return s.PollFailures == 0 && s.StoreFailures == 0
}

// Observer receives loop output. Implementations must return quickly; the
// poll loop calls them inline.
type Observer interface {
	OnSnapshot(snapshot Snapshot)
	OnAlert(alert telemetry.AlertEvent)
	OnAction(action telemetry.OptimizationAction)
}

// BaseObserver ignores everything. Embed it to implement part of Observer.
type BaseObserver struct{}

func (BaseObserver) OnSnapshot(Snapshot)                   {}
func (BaseObserver) OnAlert(telemetry.AlertEvent)          {}
func (BaseObserver) OnAction(telemetry.OptimizationAction) {}

// Hub holds the latest snapshot and fans it out to in-process subscribers.
// Slow subscribers lose the oldest pending snapshot, never block the loop.
type Hub struct {
	BaseObserver

	mu     sync.RWMutex
	latest Snapshot
	subs   map[int]chan Snapshot
	nextID int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Snapshot)}
}

func (h *Hub) Latest() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// Subscribe returns a channel of snapshots and a function that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Snapshot, buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *Hub) OnSnapshot(snapshot Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest = snapshot
	for _, ch := range h.subs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}
