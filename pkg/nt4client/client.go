// Package nt4client is a NetworkTables 4 client over WebSocket. It keeps
// reconnecting until closed, tracks the server clock offset and hands
// announce, unannounce and value messages to caller supplied handlers.
package nt4client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sudorandom/peninsula-nt4/pkg/msgpack"
)

const (
	DefaultPort = 5810

	timeSyncID     = -1
	minBackoff     = 1 * time.Second
	maxBackoff     = 60 * time.Second
	defaultSyncDur = 5 * time.Second
)

// Subprotocols offered during the handshake, newest first.
var Subprotocols = []string{"v4.1.networktables.first.wpi.edu", "networktables.first.wpi.edu"}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithName sets the client name sent in the connection URL.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

func WithTimeSyncInterval(d time.Duration) Option {
	return func(c *Client) { c.syncEvery = d }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

type subscription struct {
	topics []string
	opts   SubscribeOptions
}

type Client struct {
	url       string
	name      string
	handlers  Handlers
	logger    *slog.Logger
	metrics   *Metrics
	dialer    *websocket.Dialer
	syncEvery time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	conn       *websocket.Conn
	topics     map[int64]TopicInfo
	subs       map[int]subscription
	nextSubUID int

	writeMu   sync.Mutex
	offset    atomic.Int64
	connected atomic.Bool
	closeOnce sync.Once
}

// DefaultName returns a unique client name.
func DefaultName() string {
	return "peninsula-" + uuid.NewString()[:8]
}

// Dial starts a client for address and returns immediately; the connection
// is established, and re-established after failures, in the background.
// Address may be a ws:// URL, host[:port] or an FRC team number.
func Dial(address string, h Handlers, opts ...Option) (*Client, error) {
	c := &Client{
		handlers:  h,
		logger:    slog.Default(),
		syncEvery: defaultSyncDur,
		topics:    make(map[int64]TopicInfo),
		subs:      make(map[int]subscription),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.name == "" {
		c.name = DefaultName()
	}
	if c.dialer == nil {
		d := *websocket.DefaultDialer
		d.Subprotocols = Subprotocols
		c.dialer = &d
	}
	u, err := ServerURL(address, c.name)
	if err != nil {
		return nil, err
	}
	c.url = u
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run()
	return c, nil
}

// ServerURL builds the NT4 endpoint for address.
func ServerURL(address, name string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", errors.New("nt4client: empty address")
	}
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		u, err := url.Parse(address)
		if err != nil {
			return "", fmt.Errorf("nt4client: parse address: %w", err)
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = "/nt/" + name
		}
		return u.String(), nil
	}
	host := address
	port := strconv.Itoa(DefaultPort)
	if h, p, err := net.SplitHostPort(address); err == nil {
		host, port = h, p
	} else if team, err := strconv.Atoi(address); err == nil && team > 0 && team < 100000 {
		host = TeamAddress(team)
	}
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, port),
		Path:   "/nt/" + name,
	}
	return u.String(), nil
}

// TeamAddress returns the roboRIO address 10.TE.AM.2 for an FRC team.
func TeamAddress(team int) string {
	return fmt.Sprintf("10.%d.%d.2", team/100, team%100)
}

func (c *Client) URL() string { return c.url }

func (c *Client) Connected() bool { return c.connected.Load() }

// ServerTime returns the current server time in microseconds.
func (c *Client) ServerTime() int64 {
	return time.Now().UnixMicro() + c.offset.Load()
}

// Subscribe requests values for the given topics. Subscriptions are tied to
// the current connection; one made while disconnected is sent on connect.
func (c *Client) Subscribe(topics []string, opts SubscribeOptions) int {
	c.mu.Lock()
	c.nextSubUID++
	uid := c.nextSubUID
	sub := subscription{topics: append([]string(nil), topics...), opts: opts}
	c.subs[uid] = sub
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.sendSubscribe(conn, uid, sub); err != nil {
			c.logger.Warn("subscribe failed", "subuid", uid, "error", err)
		}
	}
	return uid
}

func (c *Client) Unsubscribe(uid int) {
	c.mu.Lock()
	_, ok := c.subs[uid]
	delete(c.subs, uid)
	conn := c.conn
	c.mu.Unlock()

	if ok && conn != nil {
		msg := []message{{Method: "unsubscribe", Params: unsubscribeParams{SubUID: uid}}}
		if err := c.writeJSON(conn, msg); err != nil {
			c.logger.Warn("unsubscribe failed", "subuid", uid, "error", err)
		}
	}
}

// Topic returns the announced topic with the given server id.
func (c *Client) Topic(id int64) (TopicInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.topics[id]
	return t, ok
}

// Close stops the client and waits for its goroutine to exit.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
	})
	<-c.done
	return nil
}

func (c *Client) run() {
	defer close(c.done)
	backoff := minBackoff
	for {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Info("connecting to NT4 server", "url", c.url)
		conn, _, err := c.dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("dial failed", "error", err, "retry_in", backoff)
			c.metrics.reconnect()
			if !sleepCtx(c.ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff
		c.serve(conn)
		if !sleepCtx(c.ctx, time.Second) {
			return
		}
	}
}

func (c *Client) serve(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.topics = make(map[int64]TopicInfo)
	pending := make(map[int]subscription, len(c.subs))
	for uid, sub := range c.subs {
		pending[uid] = sub
	}
	c.mu.Unlock()

	c.connected.Store(true)
	c.metrics.setConnected(true)
	c.logger.Info("connected to NT4 server", "url", c.url, "subprotocol", conn.Subprotocol())

	for uid, sub := range pending {
		if err := c.sendSubscribe(conn, uid, sub); err != nil {
			c.logger.Warn("subscribe failed", "subuid", uid, "error", err)
		}
	}
	if err := c.sendTimeSync(conn); err != nil {
		c.logger.Warn("time sync failed", "error", err)
	}
	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.syncEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := c.sendTimeSync(conn); err != nil {
					c.logger.Debug("time sync failed", "error", err)
				}
			}
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("read failed, reconnecting", "error", err)
			}
			break
		}
		switch mt {
		case websocket.TextMessage:
			c.metrics.frame("text")
			c.handleText(data)
		case websocket.BinaryMessage:
			c.metrics.frame("binary")
			c.handleBinary(data)
		}
	}
	close(stop)
	_ = conn.Close()

	c.mu.Lock()
	c.conn = nil
	c.topics = make(map[int64]TopicInfo)
	c.subs = make(map[int]subscription)
	c.mu.Unlock()

	c.connected.Store(false)
	c.metrics.setConnected(false)
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect()
	}
}

func (c *Client) handleText(data []byte) {
	var msgs []struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &msgs); err != nil {
		c.metrics.decodeError("json")
		c.logger.Debug("bad text frame", "error", err)
		return
	}
	for _, msg := range msgs {
		switch msg.Method {
		case "announce":
			var t TopicInfo
			if err := json.Unmarshal(msg.Params, &t); err != nil {
				c.metrics.decodeError("announce")
				continue
			}
			c.mu.Lock()
			c.topics[t.ID] = t
			c.mu.Unlock()
			c.metrics.topicEvent("announce")
			if c.handlers.OnTopicAnnounce != nil {
				c.handlers.OnTopicAnnounce(t)
			}
		case "unannounce":
			var p struct {
				Name string `json:"name"`
				ID   int64  `json:"id"`
			}
			if err := json.Unmarshal(msg.Params, &p); err != nil {
				c.metrics.decodeError("unannounce")
				continue
			}
			c.mu.Lock()
			t, ok := c.topics[p.ID]
			delete(c.topics, p.ID)
			c.mu.Unlock()
			if !ok {
				t = TopicInfo{Name: p.Name, ID: p.ID}
			}
			c.metrics.topicEvent("unannounce")
			if c.handlers.OnTopicUnannounce != nil {
				c.handlers.OnTopicUnannounce(t)
			}
		case "properties":
			var p propertiesParams
			if err := json.Unmarshal(msg.Params, &p); err != nil {
				c.metrics.decodeError("properties")
				continue
			}
			c.mu.Lock()
			for id, t := range c.topics {
				if t.Name != p.Name {
					continue
				}
				if t.Properties == nil {
					t.Properties = make(map[string]any)
				}
				for k, v := range p.Update {
					if v == nil {
						delete(t.Properties, k)
					} else {
						t.Properties[k] = v
					}
				}
				c.topics[id] = t
			}
			c.mu.Unlock()
		default:
			c.logger.Debug("ignoring message", "method", msg.Method)
		}
	}
}

func (c *Client) handleBinary(data []byte) {
	decoded, err := msgpack.Deserialize(data, msgpack.DecodeOptions{Multiple: true})
	if err != nil {
		c.metrics.decodeError("msgpack")
		c.logger.Debug("bad binary frame", "error", err)
		return
	}
	for _, v := range decoded.([]any) {
		arr, ok := v.([]any)
		if !ok || len(arr) != 4 {
			c.metrics.decodeError("shape")
			continue
		}
		id, err := toInt64(arr[0])
		if err != nil {
			c.metrics.decodeError("id")
			continue
		}
		ts, err := toInt64(arr[1])
		if err != nil {
			c.metrics.decodeError("timestamp")
			continue
		}
		if id == timeSyncID {
			c.handleTimeSync(ts, arr[3])
			continue
		}

		c.mu.Lock()
		t, ok := c.topics[id]
		c.mu.Unlock()
		if !ok {
			c.metrics.decodeError("unknown_topic")
			continue
		}
		c.metrics.value()
		if c.handlers.OnTopicUpdate != nil {
			c.handlers.OnTopicUpdate(t, ts, arr[3])
		}
	}
}

// handleTimeSync applies a server reply to a time sync ping. The server
// echoes our send time as the value.
func (c *Client) handleTimeSync(serverTS int64, echoed any) {
	sent, err := toInt64(echoed)
	if err != nil {
		c.metrics.decodeError("timesync")
		return
	}
	now := time.Now().UnixMicro()
	rtt := now - sent
	if rtt < 0 {
		return
	}
	c.offset.Store(serverTS + rtt/2 - now)
	c.metrics.rtt(rtt)
}

func (c *Client) sendTimeSync(conn *websocket.Conn) error {
	b, err := msgpack.Serialize([]any{timeSyncID, 0, TypeIdxInt, time.Now().UnixMicro()}, msgpack.EncodeOptions{})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *Client) sendSubscribe(conn *websocket.Conn, uid int, sub subscription) error {
	msg := []message{{
		Method: "subscribe",
		Params: subscribeParams{Topics: sub.topics, SubUID: uid, Options: sub.opts},
	}}
	return c.writeJSON(conn, msg)
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
