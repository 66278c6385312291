package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"ctiengine/internal/common"
	"ctiengine/internal/threat"
)

// Seed formats understood by FileSource.
const (
	FormatDomainList = "domain-list"
	FormatHostfile   = "hostfile"
)

// Candidate is one normalized identifier the scheduler may seed.
type Candidate struct {
	Identifier string
	Kind       common.Kind
}

// Source yields raw seed strings for one tick.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]string, error)
}

// StaticSource returns a fixed list.
type StaticSource []string

func (StaticSource) Name() string { return "static" }

func (s StaticSource) Fetch(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// FileSource reads seeds from a local file on every Fetch, so edits are picked up
// without a restart.
type FileSource struct {
	Path   string
	Format string
}

func (f FileSource) Name() string { return "file:" + f.Path }

func (f FileSource) Fetch(ctx context.Context) ([]string, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer fh.Close()
	return parseSeeds(fh, f.Format)
}

// parseSeeds reads one entry per line. Blank lines and '#' comments are ignored. In
// hostfile format the leading address is dropped and every following name is a seed.
func parseSeeds(r io.Reader, format string) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch format {
		case FormatHostfile:
			if net.ParseIP(fields[0]) == nil {
				continue
			}
			for _, name := range fields[1:] {
				if isLocalName(name) {
					continue
				}
				out = append(out, name)
			}
		default:
			out = append(out, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read seeds: %w", err)
	}
	return out, nil
}

func isLocalName(name string) bool {
	switch strings.ToLower(name) {
	case "localhost", "localhost.localdomain", "local", "broadcasthost", "ip6-localhost", "ip6-loopback":
		return true
	}
	return false
}

// collect fetches every source concurrently, then classifies and de-duplicates the
// entries in source order. A failing source is logged and contributes nothing.
func collect(ctx context.Context, sources []Source, log *slog.Logger) []Candidate {
	lists := make([][]string, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			seeds, err := src.Fetch(ctx)
			if err != nil {
				log.Error("seed fetch failed", "source", src.Name(), "err", err)
				return
			}
			lists[i] = seeds
		}(i, src)
	}
	wg.Wait()

	seen := make(map[string]struct{})
	var out []Candidate
	for i, list := range lists {
		for _, raw := range list {
			id, kind, err := threat.Classify(raw)
			if err != nil {
				log.Warn("ignoring seed", "source", sources[i].Name(), "seed", raw, "err", err)
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, Candidate{Identifier: id, Kind: kind})
		}
	}
	return out
}
