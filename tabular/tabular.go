// Package tabular reads uploaded CSV files into a single table and renders
// it as Markdown for a prompt.
package tabular

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrDataUnavailable marks a CSV source that is missing, unreadable or
// malformed. The current turn stops; the session carries on.
var ErrDataUnavailable = errors.New("data unavailable")

const (
	DefaultHeaderLine = 3
	DefaultEncoding   = "utf-8-sig"
)

type Options struct {
	// HeaderLine is the 1-based physical line holding the column names.
	// Lines above it are discarded.
	HeaderLine int
	Encoding   string
}

func (o Options) withDefaults() Options {
	if o.HeaderLine <= 0 {
		o.HeaderLine = DefaultHeaderLine
	}
	if o.Encoding == "" {
		o.Encoding = DefaultEncoding
	}
	return o
}

// Source is one CSV input. Name is used in error messages only.
type Source struct {
	Name string
	Data io.Reader
}

type Table struct {
	Columns []string
	Rows    [][]string
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// LoadFiles opens every path and concatenates the parsed tables in the
// given order.
func LoadFiles(paths []string, opts Options) (*Table, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no csv files given", ErrDataUnavailable)
	}

	tables := make([]*Table, 0, len(paths))
	for _, path := range paths {
		table, err := loadFile(path, opts)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return Concat(tables...), nil
}

func loadFile(path string, opts Options) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataUnavailable, err)
	}
	defer f.Close()
	return Read(Source{Name: filepath.Base(path), Data: f}, opts)
}

// Load parses every source and concatenates the results in order.
func Load(sources []Source, opts Options) (*Table, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no csv sources given", ErrDataUnavailable)
	}

	tables := make([]*Table, 0, len(sources))
	for _, src := range sources {
		table, err := Read(src, opts)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return Concat(tables...), nil
}

// Read parses a single CSV source. Rows shorter than the header are padded
// with empty cells; longer rows are rejected.
func Read(src Source, opts Options) (*Table, error) {
	opts = opts.withDefaults()
	if src.Data == nil {
		return nil, fmt.Errorf("%w: %s: no data", ErrDataUnavailable, src.Name)
	}

	dec, err := decoder(opts.Encoding)
	if err != nil {
		return nil, err
	}

	reader := bufio.NewReader(transform.NewReader(src.Data, dec))
	for line := 1; line < opts.HeaderLine; line++ {
		if _, err := reader.ReadString('\n'); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: %s: header line %d is past end of file", ErrDataUnavailable, src.Name, opts.HeaderLine)
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrDataUnavailable, src.Name, err)
		}
	}

	parser := csv.NewReader(reader)
	parser.FieldsPerRecord = -1
	parser.LazyQuotes = true
	offset := opts.HeaderLine - 1

	header, err := parser.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s: header line %d is empty", ErrDataUnavailable, src.Name, opts.HeaderLine)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrDataUnavailable, src.Name, shiftLines(err, offset))
	}

	table := &Table{Columns: normalizeHeader(header)}
	for {
		record, err := parser.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDataUnavailable, src.Name, shiftLines(err, offset))
		}
		if len(record) > len(table.Columns) {
			line, _ := parser.FieldPos(0)
			return nil, fmt.Errorf("%w: %s: expected %d fields, saw %d on line %d",
				ErrDataUnavailable, src.Name, len(table.Columns), len(record), line+offset)
		}
		row := make([]string, len(table.Columns))
		copy(row, record)
		table.Rows = append(table.Rows, row)
	}

	return table, nil
}

// shiftLines moves the positions of a csv parse error from parser lines to
// file lines. The parser starts counting at the header line.
func shiftLines(err error, offset int) error {
	var parseErr *csv.ParseError
	if offset == 0 || !errors.As(err, &parseErr) {
		return err
	}
	shifted := *parseErr
	shifted.StartLine += offset
	shifted.Line += offset
	return &shifted
}

// Concat stacks tables row-wise in argument order. The result has the union
// of all columns in first-seen order; a table lacking a column contributes
// empty cells for it.
func Concat(tables ...*Table) *Table {
	out := &Table{}
	position := make(map[string]int)
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, col := range t.Columns {
			if _, ok := position[col]; !ok {
				position[col] = len(out.Columns)
				out.Columns = append(out.Columns, col)
			}
		}
	}

	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, row := range t.Rows {
			merged := make([]string, len(out.Columns))
			for i, col := range t.Columns {
				if i < len(row) {
					merged[position[col]] = row[i]
				}
			}
			out.Rows = append(out.Rows, merged)
		}
	}
	return out
}

// Markdown renders the table as a pipe table with a leading row index
// starting at 0.
func (t *Table) Markdown() string {
	if t == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("|    |")
	for _, col := range t.Columns {
		sb.WriteString(" ")
		sb.WriteString(escapeCell(col))
		sb.WriteString(" |")
	}
	sb.WriteString("\n|---:|")
	for range t.Columns {
		sb.WriteString(":---|")
	}
	for i, row := range t.Rows {
		sb.WriteString("\n| ")
		sb.WriteString(strconv.Itoa(i))
		sb.WriteString(" |")
		for _, cell := range row {
			sb.WriteString(" ")
			sb.WriteString(escapeCell(cell))
			sb.WriteString(" |")
		}
	}
	return sb.String()
}

func escapeCell(value string) string {
	value = strings.ReplaceAll(value, "\r\n", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	return strings.ReplaceAll(value, "|", "\\|")
}

// normalizeHeader trims names and fills blanks the way a dataframe would
// ("Unnamed: <i>"), suffixing duplicates with ".1", ".2", ...
func normalizeHeader(header []string) []string {
	cols := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("Unnamed: %d", i)
		}
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = fmt.Sprintf("%s.%d", name, n+1)
		} else {
			seen[name] = 0
		}
		cols[i] = name
	}
	return cols
}

func decoder(name string) (transform.Transformer, error) {
	var enc encoding.Encoding
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case "utf-8-sig", "utf8-sig":
		return unicode.BOMOverride(unicode.UTF8.NewDecoder()), nil
	case "utf-8", "utf8":
		enc = unicode.UTF8
	case "shift-jis", "sjis", "cp932", "windows-31j":
		enc = japanese.ShiftJIS
	case "euc-jp":
		enc = japanese.EUCJP
	default:
		return nil, fmt.Errorf("unsupported csv encoding: %s", name)
	}
	return enc.NewDecoder(), nil
}

// Bytes wraps an in-memory upload as a Source.
func Bytes(name string, data []byte) Source {
	return Source{Name: name, Data: bytes.NewReader(data)}
}
