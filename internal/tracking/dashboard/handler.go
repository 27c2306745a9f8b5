package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/runtrack/runtrack/internal/tracking/registrar"
	tracksync "github.com/runtrack/runtrack/internal/tracking/sync"
)

// BatchData describes a confirmed batch
type BatchData struct {
	Run        string `json:"run"`
	First      int64  `json:"first"`
	Last       int64  `json:"last"`
	Count      int    `json:"count"`
	DurationMS int64  `json:"duration_ms"`
}

// RunSyncedData describes a run with nothing left to send
type RunSyncedData struct {
	Run          string `json:"run"`
	Acknowledged int64  `json:"acknowledged"`
}

// SyncFailedData describes a failed pass
type SyncFailedData struct {
	Run   string `json:"run"`
	Error string `json:"error"`
}

// RunRegisteredData describes a registered offline run
type RunRegisteredData struct {
	OfflineID string `json:"offline_id"`
	RunID     string `json:"run_id"`
	Run       string `json:"run"`
}

// StatsData contains running totals
type StatsData struct {
	Batches      int `json:"batches"`
	Operations   int `json:"operations"`
	Synchronized int `json:"synchronized"`
	Failed       int `json:"failed"`
	Registered   int `json:"registered"`
}

// Handler turns synchronization events into dashboard messages. It
// implements sync.Observer and is safe for concurrent use.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

var _ tracksync.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server.
// New clients are greeted with the current totals.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	h := &Handler{
		server: server,
		logger: logger,
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// BatchDispatched implements sync.Observer.
func (h *Handler) BatchDispatched(t tracksync.Target, first, last int64, count int, elapsed time.Duration) {
	h.mu.Lock()
	h.stats.Batches++
	h.stats.Operations += count
	h.mu.Unlock()

	h.send(MessageTypeBatchDispatched, BatchData{
		Run:        targetName(t),
		First:      first,
		Last:       last,
		Count:      count,
		DurationMS: elapsed.Milliseconds(),
	})
	h.broadcastStats()
}

// RunSynchronized implements sync.Observer.
func (h *Handler) RunSynchronized(t tracksync.Target, acknowledged int64) {
	h.mu.Lock()
	h.stats.Synchronized++
	h.mu.Unlock()

	h.send(MessageTypeRunSynced, RunSyncedData{Run: targetName(t), Acknowledged: acknowledged})
	h.broadcastStats()
}

// RunFailed implements sync.Observer.
func (h *Handler) RunFailed(t tracksync.Target, err error) {
	h.logger.Printf("Synchronization of %s failed: %v", targetName(t), err)

	h.mu.Lock()
	h.stats.Failed++
	h.mu.Unlock()

	h.send(MessageTypeSyncFailed, SyncFailedData{Run: targetName(t), Error: err.Error()})
	h.broadcastStats()
}

// RunRegistered reports an offline run that received a server identity.
func (h *Handler) RunRegistered(res registrar.Result) {
	h.mu.Lock()
	h.stats.Registered++
	h.mu.Unlock()

	h.send(MessageTypeRunRegistered, RunRegisteredData{
		OfflineID: res.OfflineID,
		RunID:     res.Run.ID,
		Run:       res.Run.QualifiedName(),
	})
	h.broadcastStats()
}

// GetStats returns the current totals
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) broadcastStats() {
	h.server.Broadcast(h.statsMessage())
}

func (h *Handler) statsMessage() Message {
	data, err := json.Marshal(h.GetStats())
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(typ MessageType, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}

func targetName(t tracksync.Target) string {
	if t.Name != "" {
		return t.Name
	}
	return t.RunID
}
