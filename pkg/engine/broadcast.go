package engine

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kunal/gpu-uniproc-engine/pkg/logx"
	"github.com/kunal/gpu-uniproc-engine/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Status is the JSON payload pushed to connected status clients.
type Status struct {
	State         string  `json:"state"`
	Backend       string  `json:"backend"`
	Model         string  `json:"model"`
	GPUBlocks     int     `json:"gpu_blocks"`
	MaxBatch      int     `json:"max_batch"`
	QueueDepth    int     `json:"queue_depth"`
	TotalSteps    int64   `json:"total_steps"`
	TotalRequests int64   `json:"total_requests"`
	LastBatchSize int32   `json:"last_batch_size"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	Healthy       bool    `json:"healthy"`
}

// Broadcaster pushes engine status to connected clients via WebSocket on a
// sampling ticker.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[*websocket.Conn]bool),
		stopCh:  make(chan struct{}),
	}
}

// HandleWS is the WebSocket upgrade handler for /ws.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	total := len(b.clients)
	b.mu.Unlock()

	logx.Log.Debug().Int("clients", total).Msg("status client connected")

	// Read loop, only to detect disconnect.
	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.clients, conn)
			b.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount returns the number of connected status clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Run samples the engine on the given interval, updates the queue gauge and
// broadcasts the snapshot until Stop is called.
func (b *Broadcaster) Run(e *Engine, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.Broadcast(snapshot(e))
			}
		}
	}()
}

// Stop halts the sampling loop and closes all client connections.
func (b *Broadcaster) Stop() {
	close(b.stopCh)
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		conn.Close()
		delete(b.clients, conn)
	}
}

// Broadcast sends a status snapshot to all connected clients.
func (b *Broadcaster) Broadcast(s *Status) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}

func snapshot(e *Engine) *Status {
	depth := e.QueueDepth()
	metrics.SetQueueDepth(depth)
	return &Status{
		State:         string(e.exec.State()),
		Backend:       e.exec.Backend(),
		Model:         e.cfg.Model.Name,
		GPUBlocks:     e.exec.NumGPUBlocks(),
		MaxBatch:      e.maxBatch,
		QueueDepth:    depth,
		TotalSteps:    e.TotalSteps.Load(),
		TotalRequests: e.TotalRequests.Load(),
		LastBatchSize: e.LastBatchSize.Load(),
		AvgLatencyMs:  float64(e.AvgLatencyMs.Load()),
		Healthy:       e.exec.CheckHealth() == nil,
	}
}
