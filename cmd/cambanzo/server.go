package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"cambanzo/internal/database"
	"cambanzo/internal/dispatch"
	"cambanzo/internal/notify"
	"cambanzo/internal/scheduler"
	"cambanzo/internal/sink"
	"cambanzo/internal/ws"
)

// statusServer exposes pipeline introspection and the live event stream
type statusServer struct {
	srv   *http.Server
	sched *scheduler.Scheduler
	queue *dispatch.Queue
	db    *database.Database
	sink  *sink.Sink
	hub   *ws.Hub
	mqtt  *notify.MQTTNotifier
}

func newStatusServer(listen string, sched *scheduler.Scheduler, queue *dispatch.Queue,
	db *database.Database, resultSink *sink.Sink, hub *ws.Hub, mqtt *notify.MQTTNotifier) *statusServer {

	s := &statusServer{
		sched: sched,
		queue: queue,
		db:    db,
		sink:  resultSink,
		hub:   hub,
		mqtt:  mqtt,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/api/detections", s.handleDetections)
	mux.Handle("/ws/events", ws.NewHandler(hub))
	mux.Handle("/ws/events/", ws.NewHandler(hub))

	s.srv = &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *statusServer) Start() {
	go func() {
		log.Printf("[Server] Status server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Server] Status server failed: %v", err)
		}
	}()
}

func (s *statusServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Printf("[Server] Shutdown error: %v", err)
	}
}

func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	written, alerts := s.sink.Counts()
	cameras := s.sched.Snapshot()

	records := make(map[string]int64, len(cameras))
	for _, cam := range cameras {
		count, err := s.db.CountDetections(cam.CameraID)
		if err != nil {
			log.Printf("[Server] Failed to count detections for %s: %v", cam.CameraID, err)
			continue
		}
		records[cam.CameraID] = count
	}

	status := map[string]any{
		"cameras":           cameras,
		"dispatch":          s.queue.Stats(),
		"images_written":    written,
		"alerts_raised":     alerts,
		"detection_records": records,
		"ws_clients":        s.hub.ClientCount(),
	}
	if s.mqtt != nil {
		status["mqtt"] = s.mqtt.GetStats()
	}
	writeJSON(w, status)
}

func (s *statusServer) handleDetections(w http.ResponseWriter, r *http.Request) {
	cameraID := r.URL.Query().Get("camera_id")
	records, err := s.db.ListDetections(cameraID, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*database.DetectionRecord{}
	}
	writeJSON(w, records)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Server] Failed to encode response: %v", err)
	}
}
