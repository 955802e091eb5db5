// Package partition owns the on-disk layout of downloaded data: the
// deterministic mapping from (exchange, data kind, window, symbol) to
// a parquet file path, and the reading and writing of those files.
package partition

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"histflow/models"
)

// Extension is the suffix shared by every partition file.
const Extension = ".parquet"

// incompleteTag marks a partition written while its window still
// included the current instant.
const incompleteTag = "_incomplete"

var escapes = [][2]string{
	{"/", "%2F"},
	{":", "%3A"},
}

// Escape substitutes the path separator characters that may appear in
// unified symbol names. Wildcards pass through untouched.
func Escape(s string) string {
	for _, e := range escapes {
		s = strings.ReplaceAll(s, e[0], e[1])
	}
	return s
}

// Unescape is the exact inverse of Escape.
func Unescape(s string) string {
	for _, e := range escapes {
		s = strings.ReplaceAll(s, e[1], e[0])
	}
	return s
}

// DateToken formats a period start the way it appears inside a
// partition file name.
func DateToken(t time.Time) string {
	return t.Format("2006-01-02")
}

// IsIncomplete reports whether now falls inside the window starting at
// periodStart, i.e. whether a partition written now must carry the
// incomplete marker.
func IsIncomplete(periodStart time.Time, windowLength time.Duration, now time.Time) bool {
	return !now.Before(periodStart) && now.Before(periodStart.Add(windowLength))
}

// FilePath joins the partition name components into a path under dir.
// dateToken and symbol may be "*" to build a glob pattern for
// discovery. Exchange and symbol are lower-cased before escaping.
func FilePath(dir, exchange string, kind models.DataType, subKindID, dateToken, symbol string, incomplete bool) string {
	subkind := ""
	if subKindID != "" {
		subkind = subKindID + "_"
	}
	tag := ""
	if incomplete {
		tag = incompleteTag
	}
	name := fmt.Sprintf("%s_%s%s_%s_%s%s%s",
		Escape(strings.ToLower(exchange)),
		subkind,
		kind.String(),
		dateToken,
		Escape(strings.ToLower(symbol)),
		tag,
		Extension,
	)
	return filepath.Join(dir, name)
}

// Path builds the canonical path of the partition covering the window
// [periodStart, periodStart+windowLength), deriving the incomplete
// marker from now.
func Path(dir, exchange string, kind models.DataType, subKindID string, periodStart time.Time, windowLength time.Duration, symbol string, now time.Time) string {
	return FilePath(dir, exchange, kind, subKindID, DateToken(periodStart), symbol,
		IsIncomplete(periodStart, windowLength, now))
}

// IncompleteSibling returns the incomplete variant of a complete
// partition path.
func IncompleteSibling(path string) string {
	return strings.TrimSuffix(path, Extension) + incompleteTag + Extension
}

// HasIncompleteTag reports whether path names an incomplete partition.
func HasIncompleteTag(path string) bool {
	return strings.HasSuffix(path, incompleteTag+Extension)
}
