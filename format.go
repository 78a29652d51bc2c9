package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Thumbnails rarely pass a few dozen KB; megabytes only show up when a
// tenant lifts its size limit.
const (
	sizeKB = 1024
	sizeMB = 1024 * sizeKB
)

// formatSize renders a photo size, e.g. "812 B" or "48.2 KB".
func formatSize(n int64) string {
	switch {
	case n >= sizeMB:
		return fmt.Sprintf("%.1f MB", float64(n)/sizeMB)
	case n >= sizeKB:
		return fmt.Sprintf("%.1f KB", float64(n)/sizeKB)
	default:
		return strconv.FormatInt(n, 10) + " B"
	}
}

// formatTime renders a history timestamp relative to now. Entries from
// today show the clock only.
func formatTime(t, now time.Time) string {
	ty, tm, td := t.Date()
	ny, nm, nd := now.Date()

	switch {
	case ty == ny && tm == nm && td == nd:
		return t.Format("15:04:05")
	case ty == ny:
		return t.Format("Jan _2 15:04")
	default:
		return t.Format("2006-01-02")
	}
}

// formatDuration renders how long a Graph call took. Zero renders empty.
func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return ""
	case d < time.Second:
		return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
	default:
		return strconv.FormatFloat(d.Seconds(), 'f', 1, 64) + "s"
	}
}

// shortHashLen is enough of a SHA-256 to tell uploads apart by eye.
const shortHashLen = 12

func shortHash(h string) string {
	if len(h) <= shortHashLen {
		return h
	}

	return h[:shortHashLen]
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n-3]) + "..."
}

// column is one table column. Numeric columns align right.
type column struct {
	title string
	right bool
}

// printTable writes rows under cols. Widths count runes so principals with
// non-ASCII names stay aligned, and empty cells print as "-".
func printTable(w io.Writer, cols []column, rows [][]string) {
	widths := make([]int, len(cols))
	titles := make([]string, len(cols))

	for i, c := range cols {
		titles[i] = c.title
		widths[i] = utf8.RuneCountInString(c.title)
	}

	for _, row := range rows {
		for i := range cols {
			widths[i] = max(widths[i], utf8.RuneCountInString(cellAt(row, i)))
		}
	}

	printRow(w, cols, widths, titles)

	for _, row := range rows {
		printRow(w, cols, widths, row)
	}
}

func printRow(w io.Writer, cols []column, widths []int, row []string) {
	var b strings.Builder

	for i, c := range cols {
		if i > 0 {
			b.WriteString("  ")
		}

		cell := cellAt(row, i)
		pad := strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell))

		if c.right {
			b.WriteString(pad)
			b.WriteString(cell)
		} else {
			b.WriteString(cell)
			b.WriteString(pad)
		}
	}

	fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
}

func cellAt(row []string, i int) string {
	if i >= len(row) || row[i] == "" {
		return "-"
	}

	return row[i]
}
