package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"localgram/models"
)

// Add Prometheus metrics
var (
	wsConnectionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localgram_gateway_connection_attempts_total",
		Help: "The total number of connection attempts to the gateway websocket",
	})

	wsConnectionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localgram_gateway_connection_errors_total",
		Help: "The total number of connection errors encountered",
	})

	wsCurrentConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localgram_gateway_current_connections",
		Help: "The current number of active gateway websocket connections",
	})

	wsHostSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localgram_gateway_host_switches_total",
		Help: "Number of times the connection switched to a different host",
	}, []string{"from_host", "to_host"})

	httpRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "localgram_gateway_request_duration_seconds",
		Help:    "Duration of HTTP requests against the gateway",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

const (
	wsReadBufferSize  = 1024 * 1024 // 1MB
	wsWriteBufferSize = 1024        // 1KB
	wsReadTimeout     = 60 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsPingInterval    = 30 * time.Second

	httpTimeout     = 30 * time.Second
	downloadTimeout = 5 * time.Minute
)

// GatewayConfig holds configuration for the gateway connection
type GatewayConfig struct {
	// Hosts is a list of gateway endpoints to try in order,
	// e.g. ["https://gateway-1.local:8443", "https://gateway-2.local:8443"]
	Hosts     []string
	Compress  bool
	UserAgent string
}

// Gateway implements Client against the feed gateway's HTTP and websocket
// surfaces.
type Gateway struct {
	config  GatewayConfig
	http    *http.Client
	decoder *zstd.Decoder
}

func NewGateway(config GatewayConfig) (*Gateway, error) {
	if len(config.Hosts) == 0 {
		return nil, fmt.Errorf("no gateway hosts provided in config")
	}

	gw := &Gateway{
		config: config,
		http:   &http.Client{Timeout: httpTimeout},
	}

	if config.Compress {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		gw.decoder = decoder
	}

	return gw, nil
}

func (gw *Gateway) ResolveChannel(ctx context.Context, name string) (*models.ChannelIdentity, error) {
	var identity models.ChannelIdentity
	path := fmt.Sprintf("/channels/%s", url.PathEscape(name))
	if err := gw.getJSON(ctx, path, &identity); err != nil {
		return nil, fmt.Errorf("failed to resolve channel %s: %w", name, err)
	}
	return &identity, nil
}

func (gw *Gateway) FetchHistory(ctx context.Context, identity models.ChannelIdentity, limit int) ([]models.RawMessage, error) {
	var history []models.RawMessage
	path := fmt.Sprintf("/channels/%d/history?limit=%d", identity.FeedID, limit)
	if err := gw.getJSON(ctx, path, &history); err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", identity.Username, err)
	}
	return history, nil
}

func (gw *Gateway) DownloadMedia(ctx context.Context, identity models.ChannelIdentity, msg models.RawMessage, destPrefix string) (string, error) {
	path := fmt.Sprintf("/channels/%d/messages/%d/media", identity.FeedID, msg.FeedID)
	return gw.downloadFile(ctx, path, destPrefix, true)
}

func (gw *Gateway) DownloadAvatar(ctx context.Context, identity models.ChannelIdentity, destPath string) (string, error) {
	path := fmt.Sprintf("/channels/%d/avatar", identity.FeedID)
	return gw.downloadFile(ctx, path, destPath, false)
}

// getJSON issues a GET against the first reachable host and decodes the
// JSON response into out.
func (gw *Gateway) getJSON(ctx context.Context, path string, out interface{}) error {
	var lastErr error
	for _, host := range gw.config.Hosts {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+path, nil)
		if err != nil {
			return err
		}
		if gw.config.UserAgent != "" {
			req.Header.Set("User-Agent", gw.config.UserAgent)
		}

		resp, err := gw.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		httpRequestDuration.Observe(time.Since(start).Seconds())

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			lastErr = fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			continue
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		return err
	}
	return lastErr
}

// downloadFile streams a gateway response body to disk. When appendExt is
// set the extension from the response content type is appended to dest so
// repair re-fetches land on the identical path. A 404 means the resource
// has nothing to download and returns "" without error.
func (gw *Gateway) downloadFile(ctx context.Context, path, dest string, appendExt bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	var lastErr error
	for _, host := range gw.config.Hosts {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+path, nil)
		if err != nil {
			return "", err
		}
		if gw.config.UserAgent != "" {
			req.Header.Set("User-Agent", gw.config.UserAgent)
		}

		resp, err := gw.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return "", nil
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("gateway returned %d for %s", resp.StatusCode, path)
			continue
		}

		finalPath := dest
		if appendExt {
			if ext := extensionFor(resp.Header.Get("Content-Type")); ext != "" {
				finalPath = dest + ext
			}
		}

		if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
			resp.Body.Close()
			return "", err
		}

		out, err := os.Create(finalPath)
		if err != nil {
			resp.Body.Close()
			return "", err
		}

		_, err = io.Copy(out, resp.Body)
		resp.Body.Close()
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			// Remove the partial file so the existence check on the next
			// sighting triggers a repair instead of trusting it.
			os.Remove(finalPath)
			return "", err
		}

		return finalPath, nil
	}
	return "", lastErr
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	// Prefer stable extensions for the common kinds
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "video/mp4":
		return ".mp4"
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

// SubscribeLiveMessages opens the websocket subscription and keeps it alive
// for the life of ctx, reconnecting with exponential backoff and host
// failover. Parsed events are delivered on the returned channel.
func (gw *Gateway) SubscribeLiveMessages(ctx context.Context) (<-chan models.LiveMessageEvent, error) {
	events := make(chan models.LiveMessageEvent, 100)

	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := gw.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Errorf("Gateway subscription failed: %v", err)
				return
			}

			gw.readLoop(ctx, conn, events)
			conn.Close()
			wsCurrentConnections.Dec()
			if ctx.Err() != nil {
				return
			}
			log.Warn("Gateway connection lost, reconnecting")
		}
	}()

	return events, nil
}

// connect dials gateway hosts in order until one accepts the subscription.
func (gw *Gateway) connect(ctx context.Context) (*websocket.Conn, error) {
	log.WithFields(log.Fields{
		"hosts": gw.config.Hosts,
	}).Info("Subscribing to gateway")

	currentHostIdx := 0

	// Configure websocket dialer
	dialer := websocket.Dialer{
		ReadBufferSize:   wsReadBufferSize,
		WriteBufferSize:  wsWriteBufferSize,
		HandshakeTimeout: 45 * time.Second,
		NetDialContext: (&net.Dialer{
			Timeout:   45 * time.Second,
			KeepAlive: 45 * time.Second,
		}).DialContext,
	}

	// Set up exponential backoff for reconnection attempts
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 1.5
	bo.MaxElapsedTime = 0 // Never stop retrying

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			currentHost := gw.config.Hosts[currentHostIdx]

			u, err := subscribeURL(currentHost, gw.config.Compress)
			if err != nil {
				return nil, err
			}

			headers := http.Header{}
			if gw.config.UserAgent != "" {
				headers.Set("User-Agent", gw.config.UserAgent)
			}

			wsConnectionAttempts.Inc()

			conn, _, dialErr := dialer.Dial(u, headers)
			if dialErr != nil {
				wsConnectionErrors.Inc()
				log.Errorf("Error connecting to gateway host %s: %s", currentHost, dialErr)

				// Try next host
				nextHostIdx := (currentHostIdx + 1) % len(gw.config.Hosts)
				if nextHostIdx != currentHostIdx {
					wsHostSwitches.WithLabelValues(currentHost, gw.config.Hosts[nextHostIdx]).Inc()
					log.Infof("Switching from host %s to %s", currentHost, gw.config.Hosts[nextHostIdx])
					currentHostIdx = nextHostIdx
					// Reset backoff when switching hosts
					bo.Reset()
					continue
				}

				time.Sleep(bo.NextBackOff())
				continue
			}

			bo.Reset()
			wsCurrentConnections.Inc()

			setupConnectionHandlers(conn)
			go managePingPong(ctx, conn)

			return conn, nil
		}
	}
}

func subscribeURL(host string, compress bool) (string, error) {
	u, err := url.Parse(fmt.Sprintf("%s/subscribe", host))
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if compress {
		q := u.Query()
		q.Set("compress", "true")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// readLoop reads frames until the connection or context dies.
func (gw *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- models.LiveMessageEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Errorf("Unexpected websocket close: %v", err)
				}
				wsConnectionErrors.Inc()
				return
			}

			if messageType == websocket.BinaryMessage && gw.decoder != nil {
				data, err = gw.decoder.DecodeAll(data, nil)
				if err != nil {
					log.Errorf("Failed to decompress gateway message: %v", err)
					continue
				}
			}

			var event models.LiveMessageEvent
			if err := json.Unmarshal(data, &event); err != nil {
				log.Errorf("Failed to unmarshal gateway event: %v", err)
				continue
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

// setupConnectionHandlers configures the websocket connection handlers
func setupConnectionHandlers(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

	conn.SetCloseHandler(func(code int, text string) error {
		log.Infof("WebSocket connection closed with code %d: %s", code, text)
		return nil
	})

	conn.SetPingHandler(func(appData string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	conn.SetPongHandler(func(appData string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
}

// managePingPong handles the ping/pong keepalive for the websocket connection
func managePingPong(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout)); err != nil {
				log.Warn("Ping failed, closing connection for restart: ", err)
				wsConnectionErrors.Inc()
				conn.Close()
				return
			}

			if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
				log.Warn("Failed to set read deadline, closing connection: ", err)
				wsConnectionErrors.Inc()
				conn.Close()
				return
			}
		}
	}
}
