// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/proxwatch/internal/errors"
	"grimm.is/proxwatch/internal/logging"
)

// DefaultReconnectInterval is how long the collector waits before redialing
// a dropped backend. The interval is fixed: the collector retries forever
// until Disconnect is called.
const DefaultReconnectInterval = 5 * time.Second

// CollectorConfig configures one backend collector.
type CollectorConfig struct {
	BackendID         int
	URL               string // backend base URL, http(s) or ws(s)
	Token             string // optional bearer token
	ReconnectInterval time.Duration

	// OnSnapshot receives every parsed connections frame.
	OnSnapshot func(Snapshot)
	// OnError receives socket and parse-adjacent errors. Errors do not by
	// themselves close the collector.
	OnError func(error)

	Logger *logging.Logger
}

// Collector owns one persistent WebSocket connection to one backend's
// /connections endpoint. On disconnect it schedules reconnection at a fixed
// interval; Disconnect is terminal and stops all redial attempts.
type Collector struct {
	backendID int
	wsURL     string
	origin    string
	token     string
	interval  time.Duration

	onSnapshot func(Snapshot)
	onError    func(error)
	logger     *logging.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	closing          bool
	reconnectTimer   *time.Timer
	reconnectPending bool
}

// NewCollector validates the backend URL and builds a collector. It does not
// dial; call Connect.
func NewCollector(cfg CollectorConfig) (*Collector, error) {
	wsURL, origin, err := buildEndpoint(cfg.URL)
	if err != nil {
		return nil, err
	}
	interval := cfg.ReconnectInterval
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent("collector")
	}
	return &Collector{
		backendID:  cfg.BackendID,
		wsURL:      wsURL,
		origin:     origin,
		token:      cfg.Token,
		interval:   interval,
		onSnapshot: cfg.OnSnapshot,
		onError:    cfg.OnError,
		logger:     logger.With("backend", cfg.BackendID),
	}, nil
}

// buildEndpoint converts a backend base URL to its websocket /connections
// endpoint and derives the Origin header value from the same URL.
func buildEndpoint(raw string) (wsURL, origin string, err error) {
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return "", "", errors.Wrap(err, errors.KindValidation, "invalid backend url")
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", "", errors.Errorf(errors.KindValidation, "unsupported backend url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", "", errors.New(errors.KindValidation, "backend url has no host")
	}
	u.Path = "/connections"

	httpScheme := "http"
	if u.Scheme == "wss" {
		httpScheme = "https"
	}
	return u.String(), httpScheme + "://" + u.Host, nil
}

// Connect dials the backend. A failed dial is not fatal: it schedules a
// reconnect like any mid-stream disconnect would.
func (c *Collector) Connect() {
	c.mu.Lock()
	if c.closing || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Origin", c.origin)
	dialURL := c.wsURL
	if c.token != "" {
		// Clash-family backends accept either; send both.
		header.Set("Authorization", "Bearer "+c.token)
		dialURL += "?token=" + url.QueryEscape(c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(dialURL, header)
	if err != nil {
		c.logger.Warn("Failed to connect to backend", "url", c.wsURL, "error", err)
		c.reportError(errors.Wrap(err, errors.KindGateway, "websocket dial failed"))
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("Connected to backend", "url", c.wsURL)
	go c.readLoop(conn)
}

// Disconnect tears down the socket and any pending reconnect. It is
// terminal: no further reconnects occur after it returns.
func (c *Collector) Disconnect() {
	c.mu.Lock()
	c.closing = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectPending = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.Info("Collector disconnected")
}

func (c *Collector) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			if closing {
				return
			}
			c.logger.Warn("Backend connection closed", "error", err)
			c.reportError(errors.Wrap(err, errors.KindGateway, "websocket read failed"))
			c.scheduleReconnect()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

// handleFrame parses one inbound frame. Malformed frames are dropped,
// keepalive frames without a connections field are ignored, and a
// connections field of unexpected shape is warned about. None of these close
// the connection.
func (c *Collector) handleFrame(data []byte) {
	var frame rawFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("Dropping malformed frame", "error", err)
		return
	}
	if len(frame.Connections) == 0 || string(frame.Connections) == "null" {
		return
	}

	var conns []RawConnection
	if err := json.Unmarshal(frame.Connections, &conns); err != nil {
		c.logger.Warn("Ignoring frame with non-array connections field", "error", err)
		return
	}

	if c.onSnapshot != nil {
		c.onSnapshot(Snapshot{
			DownloadTotal: frame.DownloadTotal,
			UploadTotal:   frame.UploadTotal,
			Connections:   conns,
		})
	}
}

// scheduleReconnect arms the redial timer. At most one timer is ever
// pending; scheduling while one is armed is a no-op.
func (c *Collector) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing || c.reconnectPending {
		return
	}
	c.reconnectPending = true
	c.reconnectTimer = time.AfterFunc(c.interval, func() {
		c.mu.Lock()
		c.reconnectPending = false
		c.reconnectTimer = nil
		closing := c.closing
		c.mu.Unlock()

		if closing {
			return
		}
		c.logger.Debug("Reconnecting to backend")
		c.Connect()
	})
}

func (c *Collector) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}
