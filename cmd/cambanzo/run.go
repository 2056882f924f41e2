package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cambanzo/internal/config"
	"cambanzo/internal/database"
	"cambanzo/internal/detection"
	"cambanzo/internal/dispatch"
	"cambanzo/internal/notify"
	"cambanzo/internal/pipeline"
	"cambanzo/internal/scheduler"
	"cambanzo/internal/session"
	"cambanzo/internal/sink"
	"cambanzo/internal/source"
	"cambanzo/internal/ws"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the capture and detection pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func run() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	hub := ws.NewHub()

	notifiers := []sink.Notifier{hub}
	var mqttNotifier *notify.MQTTNotifier
	if cfg.MQTT.Enabled {
		mqttNotifier = notify.NewMQTTNotifier(notify.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err := mqttNotifier.Connect(); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer mqttNotifier.Disconnect()
		notifiers = append(notifiers, mqttNotifier)
	}

	resultSink := sink.New(sink.Config{
		OutputDir:  cfg.Output.Dir,
		FilePrefix: cfg.Output.FilePrefix,
		Filter: sink.AlertFilter{
			Labels:        cfg.Alerts.Labels,
			MinConfidence: cfg.Alerts.MinConfidence,
		},
	}, db, notifiers...)

	engine := detection.NewHTTPEngine(detection.HTTPConfig{
		Endpoint:            cfg.Detection.Endpoint,
		ConfidenceThreshold: cfg.Detection.ConfidenceThreshold,
		ClassesFilter:       cfg.Detection.ClassesFilter,
		Timeout:             cfg.Detection.Timeout,
	})
	defer engine.Close()
	if !engine.Healthy() {
		return fmt.Errorf("detection service at %s is unavailable", cfg.Detection.Endpoint)
	}

	queue := dispatch.New(engine, multiHandler{resultSink, hub}, cfg.QueueDepth)

	var provider session.Provider
	if cfg.Cloud.LoginEndpoint != "" {
		provider = session.NewLoginProvider(session.LoginConfig{
			Endpoint: cfg.Cloud.LoginEndpoint,
			Username: cfg.Cloud.Username,
			Password: cfg.Cloud.Password,
			TTL:      cfg.Cloud.SessionTTL,
			Timeout:  cfg.Cloud.Timeout,
		})
	}

	sched := scheduler.New(scheduler.Config{
		DegradedAfter:    cfg.Scheduler.DegradedAfter,
		UnreachableAfter: cfg.Scheduler.UnreachableAfter,
		BackoffMin:       cfg.Scheduler.BackoffMin,
		BackoffMax:       cfg.Scheduler.BackoffMax,
	}, queue)

	for _, cam := range cfg.Cameras {
		src, err := source.New(source.Config{
			ID:            cam.ID,
			Kind:          cam.Kind,
			URL:           cam.URL,
			CredentialRef: cam.CredentialRef,
			CaptureRegexp: cam.CaptureRegexp,
		}, provider)
		if err != nil {
			return fmt.Errorf("camera %s: %w", cam.ID, err)
		}
		queue.Register(cam.ID, cam.QueueDepth)
		sched.Add(scheduler.Camera{ID: cam.ID, Source: src, Interval: cam.Interval})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The consumer gets its own lifetime: canceling the capture loops
	// must not abort an in-flight detect, so the queue is stopped via
	// Stop() after the scheduler has drained.
	queue.Start(context.Background())
	sched.Start(ctx)

	if cfg.Retention > 0 {
		go pruneLoop(ctx, db, cfg.Retention)
	}

	var statusSrv *statusServer
	if cfg.Server.Enabled {
		statusSrv = newStatusServer(cfg.Server.Listen, sched, queue, db, resultSink, hub, mqttNotifier)
		statusSrv.Start()
	}

	log.Printf("[Main] Pipeline running with %d cameras", len(cfg.Cameras))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[Main] Received %s, shutting down", sig)

	// Stop capture first so no new frames arrive, then drain the
	// dispatch queue's in-flight detection before closing the rest.
	cancel()
	sched.Wait()
	queue.Stop()
	if statusSrv != nil {
		statusSrv.Shutdown()
	}

	log.Printf("[Main] Shutdown complete")
	return nil
}

// pruneLoop periodically deletes detection records older than the
// retention window. It runs until the pipeline context is canceled.
func pruneLoop(ctx context.Context, db *database.Database, retention time.Duration) {
	interval := retention
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pruned, err := db.PruneBefore(time.Now().Add(-retention))
		if err != nil {
			log.Printf("[Main] Failed to prune detections: %v", err)
		} else if pruned > 0 {
			log.Printf("[Main] Pruned %d detection records older than %s", pruned, retention)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// multiHandler fans a detection result out to several handlers in order
type multiHandler []pipeline.ResultHandler

func (m multiHandler) OnDetectionResult(result *pipeline.DetectionResult) {
	for _, h := range m {
		h.OnDetectionResult(result)
	}
}
