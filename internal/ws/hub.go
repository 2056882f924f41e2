// Package ws streams detection and alert events to WebSocket clients.
package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cambanzo/internal/pipeline"
)

// AllCameras subscribes a client to events from every camera
const AllCameras = "*"

// sendBuffer is the per-client outbound queue depth. A client that
// falls this far behind is dropped rather than back-pressuring the
// broadcast path.
const sendBuffer = 16

// EventMessage is the wire format pushed to clients
type EventMessage struct {
	Type       string               `json:"type"` // "detection" or "alert"
	CameraID   string               `json:"camera_id"`
	FrameSeq   uint64               `json:"frame_seq"`
	Timestamp  time.Time            `json:"timestamp"`
	Detections []pipeline.Detection `json:"detections,omitempty"`
	Label      string               `json:"label,omitempty"`
	Confidence float32              `json:"confidence,omitempty"`
	ImagePath  string               `json:"image_path,omitempty"`
	LatencyMs  float64              `json:"latency_ms,omitempty"`
}

// Client is one subscribed WebSocket connection. All writes to the
// underlying connection go through the send channel: writePump is the
// only goroutine allowed to call WriteMessage.
type Client struct {
	cameraID  string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// closeSend closes the send channel exactly once, which tells
// writePump to finish the connection.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Hub manages WebSocket connections for real-time event streaming
type Hub struct {
	// clients maps camera_id -> set of clients
	clients map[string]map[*Client]bool
	mu      sync.RWMutex
}

// NewHub creates a new event hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]bool),
	}
}

// Register adds a connection for a specific camera (or AllCameras)
// and returns the client handle the caller must pump.
func (h *Hub) Register(cameraID string, conn *websocket.Conn) *Client {
	c := &Client{
		cameraID: cameraID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[cameraID] == nil {
		h.clients[cameraID] = make(map[*Client]bool)
	}
	h.clients[cameraID][c] = true
	log.Printf("[WS] Client registered for camera %s (total: %d)", cameraID, len(h.clients[cameraID]))
	return c
}

// Unregister removes a client and signals its writePump to stop
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if clients, ok := h.clients[c.cameraID]; ok && clients[c] {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.clients, c.cameraID)
		}
		log.Printf("[WS] Client unregistered for camera %s", c.cameraID)
	}
	h.mu.Unlock()

	c.closeSend()
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}

// OnDetectionResult implements pipeline.ResultHandler
func (h *Hub) OnDetectionResult(result *pipeline.DetectionResult) {
	if len(result.Detections) == 0 {
		return
	}
	h.broadcast(result.CameraID, &EventMessage{
		Type:       "detection",
		CameraID:   result.CameraID,
		FrameSeq:   result.FrameSeq,
		Timestamp:  result.Timestamp,
		Detections: result.Detections,
		LatencyMs:  float64(result.Latency.Microseconds()) / 1000.0,
	})
}

// PublishAlert implements sink.Notifier
func (h *Hub) PublishAlert(event *pipeline.AlertEvent) {
	h.broadcast(event.CameraID, &EventMessage{
		Type:       "alert",
		CameraID:   event.CameraID,
		FrameSeq:   event.FrameSeq,
		Timestamp:  event.Timestamp,
		Label:      event.Label,
		Confidence: event.Confidence,
		ImagePath:  event.ImagePath,
	})
}

// broadcast sends the message to camera subscribers and wildcard subscribers
func (h *Hub) broadcast(cameraID string, msg *EventMessage) {
	h.mu.RLock()
	hasClients := len(h.clients[cameraID]) > 0 || len(h.clients[AllCameras]) > 0
	h.mu.RUnlock()
	if !hasClients {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] Error marshaling event message: %v", err)
		return
	}
	h.sendToCamera(cameraID, data)
	if cameraID != AllCameras {
		h.sendToCamera(AllCameras, data)
	}
}

// sendToCamera queues the message on every subscriber of the camera.
// A client whose buffer is full is dropped instead of blocking the
// pipeline.
func (h *Hub) sendToCamera(cameraID string, message []byte) {
	// Queue under the read lock: Unregister closes the send channel
	// only after it wins the write lock, so a held read lock keeps
	// every channel in the map open.
	h.mu.RLock()
	var slow []*Client
	for c := range h.clients[cameraID] {
		select {
		case c.send <- message:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Printf("[WS] Dropping slow client for camera %s", cameraID)
		h.Unregister(c)
	}
}
