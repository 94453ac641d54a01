package nt4client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudorandom/peninsula-nt4/pkg/msgpack"
)

type fakeServer struct {
	*httptest.Server
	mu         sync.Mutex
	subscribed []subscribeParams
	conns      chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{Subprotocols: Subprotocols}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/nt/") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		fs.conns <- conn
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch mt {
			case websocket.TextMessage:
				var msgs []struct {
					Method string          `json:"method"`
					Params json.RawMessage `json:"params"`
				}
				if json.Unmarshal(data, &msgs) != nil {
					continue
				}
				for _, m := range msgs {
					if m.Method != "subscribe" {
						continue
					}
					var p subscribeParams
					if json.Unmarshal(m.Params, &p) == nil {
						fs.mu.Lock()
						fs.subscribed = append(fs.subscribed, p)
						fs.mu.Unlock()
					}
				}
			case websocket.BinaryMessage:
				// answer time sync pings: [-1, serverTime, type, echoed client time]
				v, err := msgpack.Deserialize(data, msgpack.DecodeOptions{})
				if err != nil {
					continue
				}
				arr := v.([]any)
				reply, _ := msgpack.Serialize([]any{-1, int64(1_000_000), TypeIdxInt, arr[3]}, msgpack.EncodeOptions{})
				_ = conn.WriteMessage(websocket.BinaryMessage, reply)
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) subscriptions() []subscribeParams {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]subscribeParams(nil), fs.subscribed...)
}

type update struct {
	name  string
	ts    int64
	value any
}

func TestClientReceivesTopics(t *testing.T) {
	fs := newFakeServer(t)

	connected := make(chan struct{}, 1)
	announced := make(chan TopicInfo, 4)
	unannounced := make(chan TopicInfo, 4)
	updates := make(chan update, 4)

	var c *Client
	ready := make(chan struct{})
	h := Handlers{
		OnConnect: func() {
			<-ready
			c.Subscribe([]string{"/"}, SubscribeOptions{Periodic: 0.001, Prefix: true, All: true})
			connected <- struct{}{}
		},
		OnTopicAnnounce:   func(ti TopicInfo) { announced <- ti },
		OnTopicUnannounce: func(ti TopicInfo) { unannounced <- ti },
		OnTopicUpdate: func(ti TopicInfo, ts int64, v any) {
			updates <- update{ti.Name, ts, v}
		},
	}

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(fs.URL, "http")
	c, err = Dial(wsURL, h, WithName("test"), WithMetrics(metrics))
	require.NoError(t, err)
	close(ready)
	defer func() {
		require.NoError(t, c.Close())
	}()

	var conn *websocket.Conn
	select {
	case conn = <-fs.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw a connection")
	}
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnect not called")
	}

	require.Eventually(t, func() bool { return len(fs.subscriptions()) == 1 }, 5*time.Second, 10*time.Millisecond)
	sub := fs.subscriptions()[0]
	assert.Equal(t, []string{"/"}, sub.Topics)
	assert.True(t, sub.Options.Prefix)
	assert.Equal(t, 0.001, sub.Options.Periodic)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`[{"method":"announce","params":{"name":"/SmartDashboard/speed","id":7,"type":"double","properties":{}}}]`)))

	select {
	case ti := <-announced:
		assert.Equal(t, "/SmartDashboard/speed", ti.Name)
		assert.Equal(t, int64(7), ti.ID)
		assert.Equal(t, "double", ti.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("announce not delivered")
	}

	frame, err := msgpack.Serialize([]any{
		[]any{7, int64(123456), TypeIdxDouble, 3.5},
		[]any{7, int64(123999), TypeIdxDouble, 4.25},
	}, msgpack.EncodeOptions{Multiple: true})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	for _, want := range []update{{"/SmartDashboard/speed", 123456, 3.5}, {"/SmartDashboard/speed", 123999, 4.25}} {
		select {
		case got := <-updates:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatal("update not delivered")
		}
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`[{"method":"unannounce","params":{"name":"/SmartDashboard/speed","id":7}}]`)))
	select {
	case ti := <-unannounced:
		assert.Equal(t, "/SmartDashboard/speed", ti.Name)
		assert.Equal(t, "double", ti.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("unannounce not delivered")
	}

	assert.True(t, c.Connected())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.valuesReceived))
}

func TestClientDropsUnknownTopicValues(t *testing.T) {
	fs := newFakeServer(t)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	called := make(chan struct{}, 1)
	c, err := Dial("ws"+strings.TrimPrefix(fs.URL, "http"), Handlers{
		OnTopicUpdate: func(TopicInfo, int64, any) { called <- struct{}{} },
	}, WithMetrics(metrics))
	require.NoError(t, err)
	defer c.Close()

	conn := <-fs.conns
	frame, err := msgpack.Serialize([]any{99, 1, TypeIdxInt, 5}, msgpack.EncodeOptions{})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.decodeErrors.WithLabelValues("unknown_topic")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	select {
	case <-called:
		t.Fatal("update delivered for unannounced topic id")
	default:
	}
}

func TestClientTimeSync(t *testing.T) {
	fs := newFakeServer(t)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	start := time.Now()
	c, err := Dial("ws"+strings.TrimPrefix(fs.URL, "http"), Handlers{}, WithMetrics(metrics))
	require.NoError(t, err)
	defer c.Close()

	// the fake server always answers with a clock reading of 1s
	const serverTS = 1_000_000
	require.Eventually(t, func() bool { return c.ServerTime() < 1_000_000_000 }, 5*time.Second, 10*time.Millisecond)
	got := c.ServerTime()
	assert.GreaterOrEqual(t, got, int64(serverTS))
	assert.LessOrEqual(t, got, int64(serverTS)+time.Since(start).Microseconds()+1)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.rttSeconds), float64(0))
}

func TestClientReconnects(t *testing.T) {
	fs := newFakeServer(t)

	var connects, disconnects atomic.Int32
	var c *Client
	ready := make(chan struct{})
	c, err := Dial("ws"+strings.TrimPrefix(fs.URL, "http"), Handlers{
		OnConnect: func() {
			<-ready
			connects.Add(1)
			c.Subscribe([]string{"/"}, SubscribeOptions{Prefix: true, All: true})
		},
		OnDisconnect: func() { disconnects.Add(1) },
	})
	require.NoError(t, err)
	close(ready)
	defer c.Close()

	var first *websocket.Conn
	select {
	case first = <-fs.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw a connection")
	}
	require.Eventually(t, func() bool { return len(fs.subscriptions()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, first.WriteMessage(websocket.TextMessage,
		[]byte(`[{"method":"announce","params":{"name":"/a","id":3,"type":"int","properties":{}}}]`)))
	require.Eventually(t, func() bool {
		_, ok := c.Topic(3)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return disconnects.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	_, ok := c.Topic(3)
	assert.False(t, ok, "topics survive a disconnect")

	select {
	case <-fs.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	require.Eventually(t, func() bool {
		return connects.Load() == 2 && len(fs.subscriptions()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, c.Connected())

	// the first connection's subscription is not replayed next to the new one
	subs := fs.subscriptions()
	assert.Len(t, subs, 2)
	assert.Equal(t, []string{"/"}, subs[1].Topics)
}

func TestServerURL(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"localhost", "ws://localhost:5810/nt/me"},
		{"10.0.0.2:1735", "ws://10.0.0.2:1735/nt/me"},
		{"1234", "ws://10.12.34.2:5810/nt/me"},
		{"254", "ws://10.2.54.2:5810/nt/me"},
		{"ws://example.com:5810", "ws://example.com:5810/nt/me"},
		{"ws://example.com/nt/custom", "ws://example.com/nt/custom"},
	}
	for _, tt := range tests {
		got, err := ServerURL(tt.address, "me")
		require.NoError(t, err, tt.address)
		assert.Equal(t, tt.want, got, tt.address)
	}

	_, err := ServerURL("  ", "me")
	assert.Error(t, err)
}

func TestTypeIndex(t *testing.T) {
	idx, ok := TypeIndex("double[]")
	assert.True(t, ok)
	assert.Equal(t, TypeIdxDoubleArray, idx)

	idx, ok = TypeIndex("protobuf")
	assert.True(t, ok)
	assert.Equal(t, TypeIdxRaw, idx)

	_, ok = TypeIndex("proto:Pose2d")
	assert.False(t, ok)
}
