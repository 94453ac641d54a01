package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/sudorandom/peninsula-nt4/pkg/archive"
	"github.com/sudorandom/peninsula-nt4/pkg/nt4"
	"github.com/sudorandom/peninsula-nt4/pkg/utils"
)

type QueryCmd struct {
	ArchiveDir string `help:"Badger directory to read."`
	Path       string `required:"" short:"p" help:"Topic path, or path/<index> for an array element."`
	At         string `help:"Return the value active at this server time (microseconds)."`
	From       int64  `default:"-9223372036854775808" help:"Range start, exclusive of the sample active at it (microseconds)."`
	To         int64  `default:"9223372036854775807" help:"Range end (microseconds)."`
}

func (q *QueryCmd) Run(g *Globals) error {
	cfg, logger, err := g.setup()
	if err != nil {
		return err
	}
	if q.ArchiveDir != "" {
		cfg.Archive.Dir = q.ArchiveDir
	}

	arc, err := archive.Open(cfg.Archive.Dir, archive.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := arc.Close(); err != nil {
			logger.Error("closing archive", "error", err)
		}
	}()

	m := nt4.NewModel(nt4.WithLogger(logger))
	m.Open()
	n, err := arc.Replay(m)
	if err != nil {
		return err
	}
	logger.Debug("archive replayed", "samples", n)

	wt := wireTypeFor(arc, q.Path)
	if q.At != "" {
		at, err := strconv.ParseInt(q.At, 10, 64)
		if err != nil {
			return fmt.Errorf("bad --at: %w", err)
		}
		v, ok := m.ValueAt(q.Path, at)
		if !ok {
			return fmt.Errorf("no value for %s at %d", q.Path, at)
		}
		fmt.Println(formatValue(wt, v))
		return nil
	}

	samples, ok := m.LogRange(q.Path, q.From, q.To)
	if !ok {
		return fmt.Errorf("no log for %s", q.Path)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, s := range samples {
		fmt.Fprintf(w, "%d\t%s\n", s.TS, formatValue(wt, s.V))
	}
	return w.Flush()
}

// wireTypeFor returns the archived type of path, or of its array topic
// for element paths.
func wireTypeFor(arc *archive.Archive, path string) string {
	recs, err := arc.Topics()
	if err != nil {
		return ""
	}
	p := nt4.NormalizePath(path)
	for _, r := range recs {
		if r.Path == p {
			return r.WireType
		}
	}
	for _, r := range recs {
		if strings.HasPrefix(p, r.Path+"/") {
			return nt4.TopicType(r.WireType).Elem().String()
		}
	}
	return ""
}

type TopicsCmd struct {
	ArchiveDir string `help:"Badger directory to read."`
	Last       bool   `help:"Show the last recorded value of each topic."`
}

func (t *TopicsCmd) Run(g *Globals) error {
	cfg, logger, err := g.setup()
	if err != nil {
		return err
	}
	if t.ArchiveDir != "" {
		cfg.Archive.Dir = t.ArchiveDir
	}

	arc, err := archive.Open(cfg.Archive.Dir, archive.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := arc.Close(); err != nil {
			logger.Error("closing archive", "error", err)
		}
	}()

	recs, err := arc.Topics()
	if err != nil {
		return err
	}
	matcher := utils.NewPathMatcher(cfg.Match)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tTYPE\tSAMPLES\tLAST")
	for _, r := range recs {
		if !matcher.Match(r.Path) {
			continue
		}
		last := ""
		if t.Last && r.Samples > 0 {
			err := arc.ForEachSample(r.Path, func(s nt4.Sample) error {
				last = formatValue(r.WireType, s.V)
				return nil
			})
			if err != nil {
				return err
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.Path, r.WireType, r.Samples, last)
	}
	return w.Flush()
}
