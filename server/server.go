package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"localgram/db"
	"localgram/models"
	"localgram/render"
)

// IndexRenderer regenerates the global index page; satisfied by the
// archiver.
type IndexRenderer interface {
	RenderIndex(ctx context.Context) error
}

type ServerConfig struct {
	Store *db.Store

	// Broadcast channel for archived-message SSE clients
	Broadcaster *Broadcaster

	IndexRenderer IndexRenderer

	// Directory the generated site lives in, served as static files
	OutputPath string

	// Directory downloaded media lives in, purged on reset
	DownloadPath string
}

// Broadcaster fans archived-message events out to SSE clients.
type Broadcaster struct {
	sync.RWMutex
	clients map[string]chan models.MessageArchivedEvent
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]chan models.MessageArchivedEvent),
	}
}

func (b *Broadcaster) BroadcastArchived(event models.MessageArchivedEvent) {
	b.RLock()
	defer b.RUnlock()

	for id, client := range b.clients {
		select {
		case client <- event: // Non-blocking send
		default:
			log.Warnf("Client channel full, skipping event for client: %v", id)
		}
	}
}

func (b *Broadcaster) AddClient(key string, client chan models.MessageArchivedEvent) {
	b.Lock()
	defer b.Unlock()
	b.clients[key] = client
	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Adding client to broadcaster")
}

func (b *Broadcaster) RemoveClient(key string) {
	b.Lock()
	defer b.Unlock()

	if client, ok := b.clients[key]; ok {
		close(client)
		delete(b.clients, key)
	}

	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Removed client from broadcaster")
}

func (b *Broadcaster) Shutdown() {
	log.Info("Shutting down broadcaster")
	b.Lock()
	defer b.Unlock()
	for key, client := range b.clients {
		close(client)
		delete(b.clients, key)
	}
}

// Returns a fiber.App serving the generated archive, the admin reset
// endpoint, the SSE stream and prometheus metrics.
func Server(config *ServerConfig) *fiber.App {

	bc := config.Broadcaster

	app := fiber.New()

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"latency": time.Since(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New())

	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	app.Get("/metrics", func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})

	// Destructive full reset: wipe the store, purge downloaded media and
	// rendered channel pages, re-render an empty index.
	app.Post("/api/clear-data", func(c *fiber.Ctx) error {
		log.Info("Received clear data request")

		if err := config.Store.ResetAll(c.Context()); err != nil {
			log.Errorf("Failed to clear data: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"status": "error", "message": err.Error(),
			})
		}

		if err := PurgeArtifacts(config.DownloadPath, config.OutputPath); err != nil {
			log.Errorf("Failed to purge artifacts: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"status": "error", "message": err.Error(),
			})
		}

		if err := config.IndexRenderer.RenderIndex(c.Context()); err != nil {
			log.Errorf("Failed to re-render index after reset: %v", err)
		}

		return c.JSON(fiber.Map{"status": "success", "message": "Data cleared"})
	})

	app.Delete("/events/sse", func(c *fiber.Ctx) error {
		key := c.Query("key", "")
		bc.RemoveClient(key)
		return c.SendString("OK")
	})

	app.Get("/events/sse", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		// Unique client key
		key := uuid.New().String()
		eventChannel := make(chan models.MessageArchivedEvent, 10) // Buffered channel
		aliveChan := time.NewTicker(5 * time.Second)

		defer aliveChan.Stop()

		bc.AddClient(key, eventChannel)

		cleanup := func() {
			log.Infof("Cleaning up SSE stream for client: %s", key)
			bc.RemoveClient(key)
		}

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer cleanup()

			// Send initial event with client key
			fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
			if err := w.Flush(); err != nil {
				log.Errorf("Failed to send init event: %v", err)
				return
			}

			for {
				select {
				case <-aliveChan.C:
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						log.Warnf("Failed to send ping to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush ping for client %s: %v", key, err)
						return
					}

				case event, ok := <-eventChannel:
					if !ok {
						log.Warnf("Event channel closed for client %s", key)
						return
					}
					jsonEvent, err := json.Marshal(event)
					if err != nil {
						log.Errorf("Error marshalling event for client %s: %v", key, err)
						continue
					}
					if _, err := fmt.Fprintf(w, "event: message-archived\ndata: %s\n\n", jsonEvent); err != nil {
						log.Warnf("Failed to send event to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush event for client %s: %v", key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	// Serve the generated archive
	app.Use("/", filesystem.New(filesystem.Config{
		Browse: false,
		Index:  "index.html",
		Root:   http.Dir(config.OutputPath),
	}))

	return app
}

// PurgeArtifacts removes downloaded media and rendered channel pages,
// recreating the empty directories. The index page is left for the caller
// to re-render.
func PurgeArtifacts(downloadPath, outputPath string) error {
	channelsDir := filepath.Join(outputPath, render.ChannelsDir)

	for _, dir := range []string{downloadPath, channelsDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to recreate %s: %w", dir, err)
		}
	}

	return nil
}
