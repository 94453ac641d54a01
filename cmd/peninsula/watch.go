package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sudorandom/peninsula-nt4/pkg/nt4"
	"github.com/sudorandom/peninsula-nt4/pkg/utils"
)

type WatchCmd struct {
	Timeout time.Duration `help:"How long to run before exiting (0 for infinite)."`
	Values  bool          `help:"Print every update instead of showing stats."`
	Top     int           `default:"10" help:"Number of busiest topics to show."`
}

type topicStats struct {
	Updates int
	Last    any
	Type    string
}

// Stats accumulates what watch reports once a second.
type Stats struct {
	mu           sync.Mutex
	Announces    int
	Unannounces  int
	Updates      int
	OutOfOrder   int
	Topics       map[string]*topicStats
	StartTime    time.Time
	lastTS       map[string]int64
	matcher      *utils.PathMatcher
	wireType     func(string) (string, bool)
	printUpdates bool
}

func NewStats(matcher *utils.PathMatcher, wireType func(string) (string, bool)) *Stats {
	return &Stats{
		Topics:    make(map[string]*topicStats),
		lastTS:    make(map[string]int64),
		StartTime: time.Now(),
		matcher:   matcher,
		wireType:  wireType,
	}
}

func (s *Stats) Record(_ context.Context, c nt4.Change) error {
	if !s.matcher.Match(c.Path) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wt := c.Type.String()
	if s.wireType != nil {
		if t, ok := s.wireType(c.Path); ok {
			wt = t
		}
	}

	switch c.Kind {
	case nt4.ChangeAnnounce:
		s.Announces++
		s.Topics[c.Path] = &topicStats{Type: wt}
	case nt4.ChangeUnannounce:
		s.Unannounces++
		delete(s.Topics, c.Path)
		delete(s.lastTS, c.Path)
	case nt4.ChangeUpdate:
		s.Updates++
		ts, ok := s.Topics[c.Path]
		if !ok {
			ts = &topicStats{Type: wt}
			s.Topics[c.Path] = ts
		}
		ts.Updates++
		ts.Last = c.Value
		if last, seen := s.lastTS[c.Path]; seen && c.TS < last {
			s.OutOfOrder++
		}
		s.lastTS[c.Path] = c.TS
		if s.printUpdates {
			fmt.Printf("%d %s = %s\n", c.TS, c.Path, formatValue(wt, c.Value))
		}
	}
	return nil
}

func (s *Stats) Report(connected bool, top int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	fmt.Printf("\033[H\033[2J") // Clear screen
	fmt.Printf("NT4 Topic Monitor (Running for %.1fs, connected: %v)\n", elapsed, connected)
	fmt.Printf("--------------------------------------------------\n")
	fmt.Printf("Topics:        %d\n", len(s.Topics))
	fmt.Printf("Announces:     %d\n", s.Announces)
	fmt.Printf("Unannounces:   %d\n", s.Unannounces)
	fmt.Printf("Updates:       %d (%.2f/s)\n", s.Updates, float64(s.Updates)/elapsed)
	fmt.Printf("Out of order:  %d\n", s.OutOfOrder)
	fmt.Printf("--------------------------------------------------\n")

	for _, b := range s.busiest(top) {
		t := s.Topics[b]
		fmt.Printf("  %-40s %-12s %6d  %s\n", b, t.Type, t.Updates, formatValue(t.Type, t.Last))
	}
}

func (s *Stats) busiest(n int) []string {
	paths := make([]string, 0, len(s.Topics))
	for p := range s.Topics {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		a, b := s.Topics[paths[i]], s.Topics[paths[j]]
		if a.Updates != b.Updates {
			return a.Updates > b.Updates
		}
		return paths[i] < paths[j]
	})
	if len(paths) > n {
		paths = paths[:n]
	}
	return paths
}

func (w *WatchCmd) Run(g *Globals) error {
	cfg, logger, err := g.setup()
	if err != nil {
		return err
	}

	src := newSource(cfg, logger, nil)
	stats := NewStats(utils.NewPathMatcher(cfg.Match), src.WireType)
	stats.printUpdates = w.Values
	src.Events().Subscribe(stats.Record)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	logger.Info("connecting", "address", cfg.Address)
	if err := src.SetAddress(cfg.Address); err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			slog.Warn("closing source", "error", err)
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !w.Values {
				stats.Report(src.Connected(), w.Top)
			}
		}
	}
}
