// Package store reassembles downloaded partition files into a single
// time-ordered, deduplicated record slice.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"histflow/config"
	"histflow/internal/partition"
	"histflow/logger"
	"histflow/models"
)

// Query selects the partitions to load. Zero Start/End mean an
// unbounded date range; empty Symbols means every symbol on disk.
type Query struct {
	Exchange  string
	Symbols   []string
	Start     time.Time
	End       time.Time
	// SubKindID narrows candle queries to one timeframe, e.g. "1m".
	SubKindID string
	// IncludeIncomplete substitutes an incomplete partition when the
	// complete one for the same window is missing.
	IncludeIncomplete bool
}

// Loader reads partitions from a download directory.
type Loader struct {
	dir string
	log *logger.Log
}

func NewLoader(cfg *config.Config, log *logger.Log) *Loader {
	return &Loader{dir: cfg.Download.Dir, log: log}
}

// NewLoaderAt reads from an explicit directory instead of the
// configured one.
func NewLoaderAt(dir string, log *logger.Log) *Loader {
	return &Loader{dir: dir, log: log}
}

// Load returns every record of the requested kind matching the query,
// sorted ascending by timestamp and deduplicated. Missing or
// unreadable files are skipped; an empty result is not an error.
func Load[T models.Record](l *Loader, q Query) ([]T, error) {
	var zero T
	kind := zero.Kind()

	files, err := l.resolveFiles(kind, q)
	if err != nil {
		return nil, err
	}

	log := l.log.WithComponent("store").WithFields(logger.Fields{
		"exchange":  q.Exchange,
		"data_type": kind.String(),
		"files":     len(files),
	})
	log.Debug("loading partitions")

	var rows []T
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		part, err := partition.Read[T](f)
		if err != nil {
			// Unreadable partitions are skipped, not fatal.
			log.WithError(err).WithFields(logger.Fields{"path": f}).Warn("skipping unreadable partition")
			continue
		}
		rows = append(rows, part...)
	}

	// With a single explicit symbol a timestamp alone identifies a
	// row; any wider query can mix symbols, so the pair is the key.
	bySymbol := len(q.Symbols) != 1
	rows = sortAndDedupe(rows, bySymbol)
	return rows, nil
}

// resolveFiles maps the query onto partition file paths. With explicit
// symbols and dates the exact cross product is constructed; otherwise
// the directory is globbed and filtered.
func (l *Loader) resolveFiles(kind models.DataType, q Query) ([]string, error) {
	hasRange := !q.Start.IsZero() && !q.End.IsZero()

	switch {
	case hasRange && len(q.Symbols) > 0:
		tokens := dateTokens(q.Start, q.End)
		files := make([]string, 0, len(tokens)*len(q.Symbols))
		for _, token := range tokens {
			for _, symbol := range q.Symbols {
				path := partition.FilePath(l.dir, q.Exchange, kind, q.SubKindID, token, symbol, false)
				files = append(files, l.substitute(path, q.IncludeIncomplete))
			}
		}
		return files, nil

	case hasRange:
		pattern := partition.FilePath(l.dir, q.Exchange, kind, q.SubKindID, "*", "*", false)
		matches, err := l.glob(pattern, q.IncludeIncomplete)
		if err != nil {
			return nil, err
		}
		return filterByTokens(matches, dateTokens(q.Start, q.End)), nil

	case len(q.Symbols) > 0:
		var files []string
		for _, symbol := range q.Symbols {
			pattern := partition.FilePath(l.dir, q.Exchange, kind, q.SubKindID, "*", symbol, false)
			matches, err := l.glob(pattern, q.IncludeIncomplete)
			if err != nil {
				return nil, err
			}
			files = append(files, matches...)
		}
		return files, nil

	default:
		pattern := partition.FilePath(l.dir, q.Exchange, kind, q.SubKindID, "*", "*", false)
		return l.glob(pattern, q.IncludeIncomplete)
	}
}

// substitute swaps a missing complete partition for its incomplete
// sibling when allowed.
func (l *Loader) substitute(path string, includeIncomplete bool) string {
	if !includeIncomplete {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	sibling := partition.IncompleteSibling(path)
	if _, err := os.Stat(sibling); err == nil {
		l.log.WithComponent("store").WithFields(logger.Fields{
			"path": sibling,
		}).Info("substituting incomplete partition")
		return sibling
	}
	return path
}

// glob expands a wildcard partition pattern. A symbol wildcard also
// matches incomplete file names, so those are filtered back out unless
// requested.
func (l *Loader) glob(pattern string, includeIncomplete bool) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad partition pattern %q: %w", pattern, err)
	}
	if includeIncomplete {
		incomplete, err := filepath.Glob(partition.IncompleteSibling(pattern))
		if err != nil {
			return nil, fmt.Errorf("bad partition pattern %q: %w", pattern, err)
		}
		matches = append(matches, incomplete...)
	}
	files := matches[:0]
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		if !includeIncomplete && partition.HasIncompleteTag(m) {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

// dateTokens lists the daily date strings covering [start, end).
func dateTokens(start, end time.Time) []string {
	var tokens []string
	for cur := start; cur.Before(end); cur = cur.Add(24 * time.Hour) {
		tokens = append(tokens, partition.DateToken(cur))
	}
	return tokens
}

func filterByTokens(files, tokens []string) []string {
	kept := files[:0]
	for _, f := range files {
		for _, token := range tokens {
			if strings.Contains(filepath.Base(f), token) {
				kept = append(kept, f)
				break
			}
		}
	}
	return kept
}

// sortAndDedupe orders rows ascending by timestamp and drops
// duplicates, keeping the first occurrence.
func sortAndDedupe[T models.Record](rows []T, bySymbol bool) []T {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].UnixMilli() < rows[j].UnixMilli() })

	type key struct {
		ts  int64
		sym string
	}
	seen := make(map[key]struct{}, len(rows))
	out := rows[:0]
	for _, r := range rows {
		k := key{ts: r.UnixMilli()}
		if bySymbol {
			k.sym = r.Pair()
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}
