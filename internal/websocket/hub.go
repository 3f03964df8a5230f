package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/makeasinger/karaoke/internal/model"
)

// ErrorCodeProcessing is sent with the error message of a failed job.
const ErrorCodeProcessing = "PROCESSING_FAILED"

const (
	sendBuffer   = 256
	pingInterval = 30 * time.Second
	// terminalWait bounds how long a complete or error update waits for
	// room in a full broadcast queue.
	terminalWait = 5 * time.Second
	closeGrace   = 5 * time.Second
)

// JobSource looks up the current state of a job.
type JobSource interface {
	Get(id string) (model.Job, bool)
}

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
	// closed is closed by the hub when the client is dropped. Send itself
	// is never closed so late writers cannot panic.
	closed chan struct{}
}

// NewClient returns a client subscribed to jobID.
func NewClient(jobID string, conn *websocket.Conn) *Client {
	return &Client{
		JobID:  jobID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// Closed is done once the hub has dropped the client.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
	// Terminal messages end the subscription once delivered.
	Terminal bool
}

// Hub fans job updates out to the sockets watching each job.
type Hub struct {
	// Clients grouped by job ID, owned by Run
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	jobs   JobSource
	logger *zap.Logger
	done   chan struct{}
}

// NewHub creates a new Hub
func NewHub(jobs JobSource, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, sendBuffer),
		jobs:       jobs,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.clients {
				for client := range clients {
					h.remove(client)
				}
			}
			return

		case client := <-h.register:
			h.subscribe(client)

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Debug("client unregistered", zap.String("jobId", client.JobID))

		case msg := <-h.broadcast:
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
					if msg.Terminal {
						h.remove(client)
					}
				default:
					h.logger.Warn("dropping slow websocket client", zap.String("jobId", msg.JobID))
					h.remove(client)
				}
			}
		}
	}
}

// subscribe queues the job snapshot as the client's first message and adds
// the client. Runs on the hub loop, so no broadcast processed after the
// snapshot can be missed. Clients of unknown or finished jobs get the
// snapshot and are closed straight away.
func (h *Hub) subscribe(client *Client) {
	data, open := h.snapshot(client.JobID)
	if data != nil {
		select {
		case client.Send <- data:
		default:
		}
	}
	if !open {
		close(client.closed)
		return
	}
	if h.clients[client.JobID] == nil {
		h.clients[client.JobID] = make(map[*Client]bool)
	}
	h.clients[client.JobID][client] = true
	h.logger.Debug("client registered", zap.String("jobId", client.JobID))
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.closed)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Register adds a new client. Its first message is the job snapshot.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.closed)
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// JobUpdated turns a registry snapshot into the matching broadcast.
func (h *Hub) JobUpdated(job model.Job) {
	switch job.Status {
	case model.JobStatusCompleted:
		h.BroadcastComplete(job.ID, job)
	case model.JobStatusError:
		h.BroadcastError(job.ID, ErrorCodeProcessing, job.Error)
	default:
		h.BroadcastProgress(job.ID, job.Progress, job.Status, job.Step)
	}
}

// BroadcastProgress sends a progress update to all job subscribers
func (h *Hub) BroadcastProgress(jobID string, progress int, status model.JobStatus, step string) {
	h.send(jobID, false, model.WSProgressMessage{
		Type:     model.WSMessageTypeProgress,
		JobID:    jobID,
		Progress: progress,
		Status:   status,
		Step:     step,
	})
}

// BroadcastComplete sends a completion message to all job subscribers
func (h *Hub) BroadcastComplete(jobID string, result interface{}) {
	h.send(jobID, true, model.WSCompleteMessage{
		Type:   model.WSMessageTypeComplete,
		JobID:  jobID,
		Result: result,
	})
}

// BroadcastError sends an error message to all job subscribers
func (h *Hub) BroadcastError(jobID string, code, message string) {
	h.send(jobID, true, model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: model.WSError{Code: code, Message: message},
	})
}

// send is called from pipeline goroutines. Progress updates are dropped
// when the queue is full; terminal updates wait up to terminalWait.
func (h *Hub) send(jobID string, terminal bool, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal websocket message", zap.Error(err))
		return
	}
	bm := &BroadcastMessage{JobID: jobID, Message: data, Terminal: terminal}

	if !terminal {
		select {
		case h.broadcast <- bm:
		default:
			h.logger.Warn("websocket broadcast queue full", zap.String("jobId", jobID))
		}
		return
	}

	timer := time.NewTimer(terminalWait)
	defer timer.Stop()
	select {
	case h.broadcast <- bm:
	case <-h.done:
	case <-timer.C:
		h.logger.Error("websocket broadcast queue stuck, final update lost", zap.String("jobId", jobID))
	}
}

// snapshot is the first message a new subscriber receives. open is false
// when the job is unknown or already finished.
func (h *Hub) snapshot(jobID string) (data []byte, open bool) {
	if h.jobs == nil {
		return nil, true
	}
	job, ok := h.jobs.Get(jobID)
	if !ok {
		data, _ = json.Marshal(model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: jobID,
			Error: model.WSError{Code: "NOT_FOUND", Message: "Job not found"},
		})
		return data, false
	}
	data, _ = json.Marshal(model.WSSnapshotMessage{Type: model.WSMessageTypeSnapshot, Job: job})
	return data, !job.Status.Terminal()
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := NewClient(jobID, c)
	h.Register(client)
	defer h.Unregister(client)

	go h.writePump(client)

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", zap.String("jobId", jobID), zap.Error(err))
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- pong:
			default:
			}
		}
	}
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.closed:
			h.flush(client)
			_ = client.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			// unblock the reader if the peer never answers the close
			_ = client.Conn.SetReadDeadline(time.Now().Add(closeGrace))
			return
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is still queued for a dropped client, so the
// snapshot or final update goes out before the close frame.
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
