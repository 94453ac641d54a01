// Package nt4 mirrors NetworkTables 4 state as a path-addressable topic
// tree and keeps a per-path history of every value for point-in-time and
// range queries.
package nt4

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sudorandom/peninsula-nt4/pkg/event"
)

// ErrTopicNotAnnounced is returned when a value arrives for a path that was
// never announced. It signals a protocol ordering violation.
var ErrTopicNotAnnounced = errors.New("nt4: topic not announced")

type ChangeKind int

const (
	ChangeAnnounce ChangeKind = iota
	ChangeUnannounce
	ChangeUpdate
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAnnounce:
		return "announce"
	case ChangeUnannounce:
		return "unannounce"
	case ChangeUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Change describes one successful mutation of a Model.
type Change struct {
	Kind  ChangeKind
	Path  string
	Type  TopicType
	TS    int64
	Value any
}

// Model holds the topic tree and log store. It is not safe for concurrent
// use; Source serializes access to the Model it owns.
type Model struct {
	root      *Table
	logs      *LogStore
	startTime int64
	clock     func() int64
	logger    *slog.Logger
	events    *event.Source[Change]
}

type ModelOption func(*Model)

// WithClock sets the source of default timestamps, in microseconds.
func WithClock(fn func() int64) ModelOption {
	return func(m *Model) {
		m.clock = fn
	}
}

func WithLogger(l *slog.Logger) ModelOption {
	return func(m *Model) {
		m.logger = l
	}
}

func NewModel(opts ...ModelOption) *Model {
	m := &Model{
		clock:  func() int64 { return time.Now().UnixMicro() },
		logger: slog.Default(),
		events: event.NewSource[Change](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open creates a fresh root table and log store, discarding any previous state.
func (m *Model) Open() {
	m.root = NewTable("")
	m.logs = NewLogStore()
	m.startTime = m.clock()
}

// Close discards the tree and all logs.
func (m *Model) Close() {
	m.root = nil
	m.logs = nil
}

func (m *Model) IsOpen() bool { return m.root != nil }

// Root returns the root table, or nil when the model is closed.
func (m *Model) Root() *Table { return m.root }

func (m *Model) StartTime() int64 { return m.startTime }

func (m *Model) Now() int64 { return m.clock() }

// Events publishes a Change for each announce, unannounce and update.
func (m *Model) Events() *event.Source[Change] { return m.events }

// AnnounceTopic creates the topic at path with the given type, creating
// intermediate tables as needed. An existing node at path that is not a
// topic of the same type is replaced. It returns false when the model is
// closed, the type is unknown or the path is empty.
func (m *Model) AnnounceTopic(path, typ string) bool {
	if m.root == nil {
		return false
	}
	tt, ok := ParseTopicType(typ)
	if !ok {
		return false
	}
	segs := splitPath(path)
	if len(segs) == 0 {
		return false
	}

	parent := m.root
	for _, seg := range segs[:len(segs)-1] {
		tbl, ok := parent.Child(seg).(*Table)
		if !ok {
			tbl = NewTable(seg)
			parent.Add(tbl)
		}
		parent = tbl
	}
	name := segs[len(segs)-1]
	if existing, ok := parent.Child(name).(*Topic); !ok || existing.Type() != tt {
		parent.Add(NewTopic(name, tt))
	}

	p := strings.Join(segs, "/")
	m.logs.Ensure(p)
	m.publish(Change{Kind: ChangeAnnounce, Path: p, Type: tt})
	return true
}

// UnannounceTopic removes the node at path and then every ancestor table
// left without children, stopping at the root.
func (m *Model) UnannounceTopic(path string) bool {
	if m.root == nil {
		return false
	}
	segs := splitPath(path)
	if len(segs) == 0 {
		return false
	}
	node := lookupSegments(m.root, segs)
	if node == nil {
		return false
	}
	parent, ok := node.Parent().(*Table)
	if !ok {
		return false
	}
	parent.Remove(node.Name())
	for parent.Len() == 0 {
		grand, ok := parent.Parent().(*Table)
		if !ok {
			break
		}
		grand.Remove(parent.Name())
		parent = grand
	}

	var tt TopicType
	if topic, ok := node.(*Topic); ok {
		tt = topic.Type()
	}
	m.publish(Change{Kind: ChangeUnannounce, Path: strings.Join(segs, "/"), Type: tt})
	return true
}

// UpdateTopic is UpdateTopicAt with the current server time.
func (m *Model) UpdateTopic(path string, value any) (bool, error) {
	return m.UpdateTopicAt(path, value, m.clock())
}

// UpdateTopicAt sets the topic value and appends it to the log. For array
// topics each element is also logged under path/<index>. It returns
// ErrTopicNotAnnounced when path does not name an announced topic.
func (m *Model) UpdateTopicAt(path string, value any, ts int64) (bool, error) {
	if m.root == nil {
		return false, nil
	}
	segs := splitPath(path)
	if len(segs) == 0 {
		return false, nil
	}
	p := strings.Join(segs, "/")
	topic, ok := lookupSegments(m.root, segs).(*Topic)
	if !ok || topic.synthetic() {
		return false, fmt.Errorf("%w: %q", ErrTopicNotAnnounced, p)
	}

	topic.SetValue(value)
	v := topic.Value()
	if !m.logs.Append(p, ts, v) {
		m.logger.Debug("out of order sample", "path", p, "ts", ts)
	}
	if topic.Type().IsArray() {
		for i, el := range elements(v) {
			m.logs.Append(p+"/"+strconv.Itoa(i), ts, el)
		}
	}
	m.publish(Change{Kind: ChangeUpdate, Path: p, Type: topic.Type(), TS: ts, Value: v})
	return true, nil
}

// Lookup resolves path from the root. It returns nil when the model is
// closed or the path does not exist.
func (m *Model) Lookup(path string) Node {
	if m.root == nil {
		return nil
	}
	return m.root.Lookup(path)
}

// SectionIndexOf returns the index of the sample active at ts, -1 when ts is
// before the first sample, and ok=false when path has no log.
func (m *Model) SectionIndexOf(path string, ts int64) (int, bool) {
	if m.logs == nil {
		return 0, false
	}
	return m.logs.SectionIndexOf(NormalizePath(path), ts)
}

func (m *Model) ValueAt(path string, ts int64) (any, bool) {
	if m.logs == nil {
		return nil, false
	}
	return m.logs.ValueAt(NormalizePath(path), ts)
}

func (m *Model) LogLengthFor(path string) (int, bool) {
	if m.logs == nil {
		return 0, false
	}
	return m.logs.Len(NormalizePath(path))
}

// LogFor returns the samples between the model start time and now.
func (m *Model) LogFor(path string) ([]Sample, bool) {
	return m.LogRange(path, m.startTime, m.clock())
}

func (m *Model) LogRange(path string, start, stop int64) ([]Sample, bool) {
	if m.logs == nil {
		return nil, false
	}
	return m.logs.Range(NormalizePath(path), start, stop)
}

// Paths lists every path with a log, including array element paths.
func (m *Model) Paths() []string {
	if m.logs == nil {
		return nil
	}
	return m.logs.Paths()
}

func (m *Model) OutOfOrder() int {
	if m.logs == nil {
		return 0
	}
	return m.logs.OutOfOrder()
}

func (m *Model) publish(c Change) {
	if m.events.Len() == 0 {
		return
	}
	if err := m.events.Publish(context.Background(), c); err != nil {
		m.logger.Warn("change subscriber failed", "kind", c.Kind, "path", c.Path, "error", err)
	}
}
