// Package websocket streams job events to WebSocket clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/makeasinger/jobserver/internal/job"
	"github.com/makeasinger/jobserver/internal/model"
)

const (
	sendBufferSize = 256
	pingInterval   = 30 * time.Second
	closeText      = "close"
)

// Conn is the subset of *websocket.Conn the hub uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one socket following one job.
type Client struct {
	JobID string
	Conn  Conn
	Send  chan []byte
	// Final holds the terminal frame, which is never dropped.
	Final chan []byte

	terminal     chan struct{}
	terminalOnce sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newClient(jobID string, conn Conn) *Client {
	return &Client{
		JobID:    jobID,
		Conn:     conn,
		Send:     make(chan []byte, sendBufferSize),
		Final:    make(chan []byte, 1),
		terminal: make(chan struct{}),
		shutdown: make(chan struct{}),
	}
}

func (c *Client) markTerminal() { c.terminalOnce.Do(func() { close(c.terminal) }) }
func (c *Client) stop()         { c.shutdownOnce.Do(func() { close(c.shutdown) }) }

// Hub tracks connected clients so they can be closed on shutdown.
type Hub struct {
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}

	gracePeriod time.Duration
	log         *zap.Logger

	mu sync.RWMutex
}

// NewHub creates a hub. After a job's terminal event each socket stays open
// for gracePeriod before it is closed.
func NewHub(gracePeriod time.Duration, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		stopped:     make(chan struct{}),
		gracePeriod: gracePeriod,
		log:         log.Named("websocket"),
	}
}

// Run is the hub's main loop. When ctx is done every client is told to
// close and further registrations are refused.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.log.Debug("Client registered", zap.String("job_id", client.JobID))

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug("Client unregistered", zap.String("job_id", client.JobID))

		case <-ctx.Done():
			h.mu.Lock()
			n := 0
			for _, clients := range h.clients {
				for client := range clients {
					client.stop()
					n++
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			h.log.Info("WebSocket hub stopped", zap.Int("clients_closed", n))
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[client.JobID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, client.JobID)
		}
	}
}

// Register adds a client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.stopped:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// ClientCount returns the number of sockets following jobID.
func (h *Hub) ClientCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// Serve streams j to an upgraded fiber connection.
func (h *Hub) Serve(conn *websocket.Conn, j *job.Job) {
	h.HandleConnection(conn, j)
}

// HandleConnection streams j to conn until the job ends, the client leaves
// or the hub stops. It blocks for the lifetime of the socket.
func (h *Hub) HandleConnection(conn Conn, j *job.Job) {
	client := newClient(j.ID(), conn)
	log := h.log.With(zap.String("job_id", client.JobID))

	if !h.Register(client) {
		h.writeClose(client, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer h.Unregister(client)

	sub := j.Observe(func(s job.Snapshot) {
		h.enqueue(client, model.NewStatusFrame(s))
		if s.State != job.StateRunning {
			client.markTerminal()
		}
	}, func(evt job.Event) {
		frame := model.NewEventFrame(client.JobID, evt)
		if !evt.Kind.Terminal() {
			h.enqueue(client, frame)
			return
		}
		h.enqueueFinal(client, frame)
		client.markTerminal()
	})
	defer sub.Unsubscribe()

	quit := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer close(quit)
		h.readLoop(client, log)
	}()
	defer func() {
		// Unblocks the reader; the connection must not be used after return.
		_ = conn.Close()
		<-readerDone
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	terminal := client.terminal
	var grace <-chan time.Time
	for {
		select {
		case message := <-client.Send:
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug("WebSocket write failed", zap.Error(err))
				return
			}

		case message := <-client.Final:
			// Everything queued before the terminal frame goes first.
			h.flush(client)
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug("WebSocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-terminal:
			terminal = nil
			grace = time.After(h.gracePeriod)

		case <-grace:
			h.drain(client)
			h.writeClose(client, websocket.CloseNormalClosure, "job finished")
			return

		case <-client.shutdown:
			h.drain(client)
			h.writeClose(client, websocket.CloseGoingAway, "server shutting down")
			return

		case <-quit:
			return
		}
	}
}

func (h *Hub) readLoop(client *Client, log *zap.Logger) {
	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug("WebSocket read failed", zap.Error(err))
			}
			return
		}

		if string(message) == closeText {
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			h.enqueue(client, model.WSMessage{Type: model.WSMessageTypePong})
		}
	}
}

// enqueue never blocks: it runs on the job's emitting goroutine.
func (h *Hub) enqueue(client *Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("Failed to marshal frame", zap.String("job_id", client.JobID), zap.Error(err))
		return
	}
	select {
	case client.Send <- data:
	default:
		h.log.Warn("Dropping frame for slow WebSocket client", zap.String("job_id", client.JobID))
	}
}

// enqueueFinal stores the terminal frame in its own slot so a full send
// buffer cannot drop it.
func (h *Hub) enqueueFinal(client *Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("Failed to marshal frame", zap.String("job_id", client.JobID), zap.Error(err))
		return
	}
	select {
	case client.Final <- data:
	default:
		h.log.Error("Second terminal frame for WebSocket client", zap.String("job_id", client.JobID))
	}
}

// drain writes every queued frame, the terminal one last.
func (h *Hub) drain(client *Client) {
	h.flush(client)
	select {
	case message := <-client.Final:
		_ = client.Conn.WriteMessage(websocket.TextMessage, message)
	default:
	}
}

func (h *Hub) flush(client *Client) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *Hub) writeClose(client *Client, code int, text string) {
	_ = client.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}
