package nt4

import (
	"slices"
	"sort"
)

// Sample is one logged value. TS is server time in microseconds.
type Sample struct {
	TS int64 `json:"ts"`
	V  any   `json:"v"`
}

// LogStore keeps an append-only, timestamp ordered history per normalized
// path. Samples are never re-sorted: appending out of order is counted but
// leaves the log in arrival order.
type LogStore struct {
	logs       map[string][]Sample
	outOfOrder int
}

func NewLogStore() *LogStore {
	return &LogStore{logs: make(map[string][]Sample)}
}

// Ensure creates an empty log for path if none exists.
func (l *LogStore) Ensure(path string) {
	if _, ok := l.logs[path]; !ok {
		l.logs[path] = []Sample{}
	}
}

// Append adds a sample and reports whether it kept timestamp order.
func (l *LogStore) Append(path string, ts int64, v any) bool {
	log := l.logs[path]
	ordered := len(log) == 0 || log[len(log)-1].TS <= ts
	if !ordered {
		l.outOfOrder++
	}
	l.logs[path] = append(log, Sample{TS: ts, V: v})
	return ordered
}

// SectionIndexOf finds the greatest i with log[i].TS <= ts. The index is -1
// when ts precedes the first sample; ok is false when path has no log.
func (l *LogStore) SectionIndexOf(path string, ts int64) (int, bool) {
	log, ok := l.logs[path]
	if !ok {
		return 0, false
	}
	i := sort.Search(len(log), func(i int) bool {
		return log[i].TS > ts
	})
	return i - 1, true
}

func (l *LogStore) ValueAt(path string, ts int64) (any, bool) {
	i, ok := l.SectionIndexOf(path, ts)
	if !ok || i < 0 {
		return nil, false
	}
	return l.logs[path][i].V, true
}

func (l *LogStore) Len(path string) (int, bool) {
	log, ok := l.logs[path]
	return len(log), ok
}

// Range returns a copy of the samples after the one active at start, up to
// and including the one active at stop.
func (l *LogStore) Range(path string, start, stop int64) ([]Sample, bool) {
	log, ok := l.logs[path]
	if !ok {
		return nil, false
	}
	from, _ := l.SectionIndexOf(path, start)
	to, _ := l.SectionIndexOf(path, stop)
	from, to = from+1, to+1
	if to <= from {
		return []Sample{}, true
	}
	return slices.Clone(log[from:to]), true
}

// Paths returns every logged path in sorted order.
func (l *LogStore) Paths() []string {
	out := make([]string, 0, len(l.logs))
	for p := range l.logs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// OutOfOrder counts appends whose timestamp was older than the previous sample.
func (l *LogStore) OutOfOrder() int {
	return l.outOfOrder
}
