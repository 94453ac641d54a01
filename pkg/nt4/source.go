package nt4

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sudorandom/peninsula-nt4/pkg/event"
	"github.com/sudorandom/peninsula-nt4/pkg/nt4client"
)

// WireClient is the connection handle a Source drives.
type WireClient interface {
	Subscribe(topics []string, opts nt4client.SubscribeOptions) int
	ServerTime() int64
	Close() error
}

// DialFunc opens a client for address that reports to h.
type DialFunc func(address string, h nt4client.Handlers) (WireClient, error)

// DefaultDial dials with nt4client.Dial and the given options.
func DefaultDial(opts ...nt4client.Option) DialFunc {
	return func(address string, h nt4client.Handlers) (WireClient, error) {
		return nt4client.Dial(address, h, opts...)
	}
}

// SubscribeAll is the blanket subscription issued on every connect.
var SubscribeAll = nt4client.SubscribeOptions{Periodic: 0.001, Prefix: true, All: true}

// Source connects a Model to an NT4 server. All model access happens under
// one mutex, so wire callbacks and queries never interleave.
type Source struct {
	dial   DialFunc
	logger *slog.Logger

	addrMu sync.Mutex

	mu        sync.Mutex
	model     *Model
	address   string
	client    WireClient
	gen       uint64
	connected bool

	// wtMu guards wireTypes on its own so WireType is usable from event
	// handlers, which run with mu held.
	wtMu      sync.RWMutex
	wireTypes map[string]string
}

type SourceOption func(*Source)

func WithSourceLogger(l *slog.Logger) SourceOption {
	return func(s *Source) {
		s.logger = l
	}
}

func NewSource(dial DialFunc, opts ...SourceOption) *Source {
	s := &Source{
		dial:      dial,
		logger:    slog.Default(),
		wireTypes: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.model = NewModel(WithClock(s.serverTime), WithLogger(s.logger))
	return s
}

// serverTime must be called with s.mu held.
func (s *Source) serverTime() int64 {
	if s.client != nil {
		return s.client.ServerTime()
	}
	return time.Now().UnixMicro()
}

// SetAddress replaces the connection. The previous client is closed and
// the model state discarded; an empty address leaves the source idle.
func (s *Source) SetAddress(addr string) error {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()

	s.mu.Lock()
	if addr == s.address && (addr == "" || s.client != nil) {
		s.mu.Unlock()
		return nil
	}
	old := s.client
	s.client = nil
	s.connected = false
	s.gen++
	s.model.Close()
	s.setWireTypes(make(map[string]string))
	s.address = addr
	s.mu.Unlock()

	// closed outside the lock: the old client may be blocked in a callback
	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn("closing previous client", "error", err)
		}
	}
	if addr == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.model.Open()
	gen := s.gen
	c, err := s.dial(addr, s.handlers(gen))
	if err != nil {
		s.model.Close()
		s.address = ""
		return err
	}
	s.client = c
	return nil
}

// Close disconnects and discards all state.
func (s *Source) Close() error {
	return s.SetAddress("")
}

func (s *Source) handlers(gen uint64) nt4client.Handlers {
	return nt4client.Handlers{
		OnConnect: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if gen != s.gen {
				return
			}
			s.connected = true
			s.logger.Info("nt4 connected", "address", s.address)
			s.client.Subscribe([]string{"/"}, SubscribeAll)
		},
		OnDisconnect: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if gen != s.gen {
				return
			}
			s.connected = false
			s.logger.Info("nt4 disconnected", "address", s.address)
			s.dropAnnounced()
		},
		OnTopicAnnounce: func(t nt4client.TopicInfo) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if gen != s.gen {
				return
			}
			p := NormalizePath(t.Name)
			s.wtMu.Lock()
			prev, had := s.wireTypes[p]
			s.wireTypes[p] = t.Type
			s.wtMu.Unlock()
			if !s.model.AnnounceTopic(t.Name, ModelType(t.Type)) {
				s.logger.Debug("announce ignored", "topic", t.Name, "type", t.Type)
				s.wtMu.Lock()
				if had {
					s.wireTypes[p] = prev
				} else {
					delete(s.wireTypes, p)
				}
				s.wtMu.Unlock()
			}
		},
		OnTopicUnannounce: func(t nt4client.TopicInfo) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if gen != s.gen {
				return
			}
			s.model.UnannounceTopic(t.Name)
			s.wtMu.Lock()
			delete(s.wireTypes, NormalizePath(t.Name))
			s.wtMu.Unlock()
		},
		OnTopicUpdate: func(t nt4client.TopicInfo, ts int64, v any) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if gen != s.gen {
				return
			}
			if _, err := s.model.UpdateTopicAt(t.Name, v, ts); err != nil {
				s.logger.Warn("update dropped", "topic", t.Name, "error", err)
			}
		},
	}
}

// dropAnnounced unannounces every topic the server announced. The server
// re-announces what still exists after a reconnect, so topics removed while
// disconnected do not linger. Logs are kept. Must be called with s.mu held.
func (s *Source) dropAnnounced() {
	s.wtMu.RLock()
	paths := make([]string, 0, len(s.wireTypes))
	for p := range s.wireTypes {
		paths = append(paths, p)
	}
	s.wtMu.RUnlock()
	sort.Strings(paths)
	for _, p := range paths {
		s.model.UnannounceTopic(p)
	}
	s.setWireTypes(make(map[string]string))
	if len(paths) > 0 {
		s.logger.Debug("dropped announced topics", "count", len(paths))
	}
}

// ModelType maps an NT4 wire type string onto the model's type enumeration.
// Serialized payload types are kept as raw bytes.
func ModelType(wire string) string {
	switch {
	case wire == "json":
		return string(TypeString)
	case wire == "rpc", wire == "msgpack", wire == "protobuf",
		strings.HasPrefix(wire, "proto:"), strings.HasPrefix(wire, "struct:"):
		return string(TypeRaw)
	}
	return wire
}

func (s *Source) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Source) ServerTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverTime()
}

// WireType returns the type string the server announced for path. It is
// safe to call from Events handlers.
func (s *Source) WireType(path string) (string, bool) {
	s.wtMu.RLock()
	defer s.wtMu.RUnlock()
	t, ok := s.wireTypes[NormalizePath(path)]
	return t, ok
}

func (s *Source) setWireTypes(m map[string]string) {
	s.wtMu.Lock()
	s.wireTypes = m
	s.wtMu.Unlock()
}

// Events exposes model changes. Handlers run with the source lock held and
// must not call back into the Source.
func (s *Source) Events() *event.Source[Change] {
	return s.model.Events()
}

// View runs fn with exclusive access to the model.
func (s *Source) View(fn func(m *Model)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.model)
}

func (s *Source) ValueAt(path string, ts int64) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.ValueAt(path, ts)
}

func (s *Source) LogFor(path string) ([]Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.LogFor(path)
}

func (s *Source) LogRange(path string, start, stop int64) ([]Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.LogRange(path, start, stop)
}

func (s *Source) LogLengthFor(path string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.LogLengthFor(path)
}

func (s *Source) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.Paths()
}
