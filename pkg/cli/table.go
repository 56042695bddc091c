package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// columnGap separates table columns.
const columnGap = 2

// Table renders column-aligned output. Rows are buffered until Flush, which
// sizes columns to their content, narrows the widest ones to fit the
// terminal and word-wraps cells that no longer fit. ANSI colour codes do not
// count toward widths. Empty tables produce no output.
type Table struct {
	out     io.Writer
	headers []string
	rows    [][]string
	prefix  string
	width   int
}

// NewTable creates a table with the given column headers, writing to
// stdout and capped at the terminal width when stdout is a terminal.
func NewTable(headers ...string) *Table {
	return &Table{out: os.Stdout, headers: headers, width: terminalWidth(os.Stdout)}
}

// WithPrefix sets a string prepended to each line (headers, divider, rows).
// Useful for indenting sub-tables within larger output.
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// WithWriter redirects output. width caps the table; 0 means unlimited.
func (t *Table) WithWriter(w io.Writer, width int) *Table {
	t.out = w
	t.width = width
	return t
}

// Row buffers a row.
func (t *Table) Row(values ...string) {
	t.rows = append(t.rows, values)
}

// Flush writes the table. If no rows were added, nothing is printed.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visualLen(h)
	}
	for _, r := range t.rows {
		for i := 0; i < len(r) && i < len(widths); i++ {
			widths[i] = max(widths[i], visualLen(r[i]))
		}
	}
	if t.width > 0 {
		widths = capWidths(widths, t.headers, t.width, visualLen(t.prefix))
	}

	t.line(widths, t.headers)
	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", visualLen(h))
	}
	t.line(widths, dividers)
	for _, r := range t.rows {
		t.line(widths, r)
	}
	t.rows = nil
}

// line writes one logical row, spilling wrapped cells onto extra lines.
func (t *Table) line(widths []int, cells []string) {
	wrapped := make([][]string, len(widths))
	height := 1
	for i := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		wrapped[i] = wrapCell(cell, widths[i])
		height = max(height, len(wrapped[i]))
	}
	for l := 0; l < height; l++ {
		var b strings.Builder
		b.WriteString(t.prefix)
		for i, w := range widths {
			part := ""
			if l < len(wrapped[i]) {
				part = wrapped[i][l]
			}
			b.WriteString(part)
			if i < len(widths)-1 {
				b.WriteString(strings.Repeat(" ", w-visualLen(part)+columnGap))
			}
		}
		fmt.Fprintln(t.out, strings.TrimRight(b.String(), " "))
	}
}

func terminalWidth(f *os.File) int {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

// capWidths narrows the widest columns until the table fits termWidth.
// No column is narrowed below its header.
func capWidths(widths []int, headers []string, termWidth, prefix int) []int {
	out := append([]int(nil), widths...)
	mins := make([]int, len(out))
	for i := range out {
		if i < len(headers) {
			mins[i] = visualLen(headers[i])
		}
	}
	for {
		total := prefix
		for _, w := range out {
			total += w
		}
		total += columnGap * (len(out) - 1)
		excess := total - termWidth
		if excess <= 0 {
			return out
		}
		widest := -1
		for i, w := range out {
			if w > mins[i] && (widest < 0 || w > out[widest]) {
				widest = i
			}
		}
		if widest < 0 {
			return out
		}
		out[widest] = max(mins[widest], out[widest]-excess)
	}
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// visualLen is the printed width of s, ignoring ANSI colour codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(ansiPattern.ReplaceAllString(s, ""))
}

// wrapCell word-wraps s to width, hard-breaking words longer than width.
// A cell that fits is returned unchanged; wrapped cells lose their colour.
func wrapCell(s string, width int) []string {
	if width <= 0 || visualLen(s) <= width {
		return []string{s}
	}
	var lines []string
	cur := ""
	for _, word := range strings.Fields(ansiPattern.ReplaceAllString(s, "")) {
		for utf8.RuneCountInString(word) > width {
			if cur != "" {
				lines = append(lines, cur)
				cur = ""
			}
			r := []rune(word)
			lines = append(lines, string(r[:width]))
			word = string(r[width:])
		}
		switch {
		case word == "":
		case cur == "":
			cur = word
		case utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(word) <= width:
			cur += " " + word
		default:
			lines = append(lines, cur)
			cur = word
		}
	}
	if cur != "" || len(lines) == 0 {
		lines = append(lines, cur)
	}
	return lines
}
