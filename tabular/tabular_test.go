package tabular

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"
)

const inspectionA = "Inspection export\n" +
	"generated 2026-10-01\n" +
	"machine,symptom,count\n" +
	"P-101,overheat,3\n" +
	"P-102,vibration,1\n"

const inspectionB = "Inspection export\n" +
	"generated 2026-10-02\n" +
	"machine,symptom,count\n" +
	"V-201,leak,2\n" +
	"V-202,noise,5\n" +
	"V-203,leak,1\n"

func writeCSV(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReadUsesThirdLineAsHeader(t *testing.T) {
	table, err := Read(Bytes("a.csv", []byte(inspectionA)), Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"machine", "symptom", "count"}, table.Columns)
	assert.Equal(t, [][]string{
		{"P-101", "overheat", "3"},
		{"P-102", "vibration", "1"},
	}, table.Rows)
}

func TestReadStripsByteOrderMark(t *testing.T) {
	body := "\ufeff" + "x\ny\nname,value\nalpha,1\n"
	table, err := Read(Bytes("bom.csv", []byte(body)), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "value"}, table.Columns)

	headerOnly := "\ufeffname,value\nalpha,1\n"
	table, err = Read(Bytes("bom.csv", []byte(headerOnly)), Options{HeaderLine: 1})
	require.NoError(t, err)
	assert.Equal(t, "name", table.Columns[0])
}

func TestReadShiftJIS(t *testing.T) {
	utf8Body := "レポート\n\n設備,症状\nP-101,過熱\n"
	encoded, err := japanese.ShiftJIS.NewEncoder().String(utf8Body)
	require.NoError(t, err)

	table, err := Read(Bytes("sjis.csv", []byte(encoded)), Options{Encoding: "shift_jis"})
	require.NoError(t, err)
	assert.Equal(t, []string{"設備", "症状"}, table.Columns)
	assert.Equal(t, [][]string{{"P-101", "過熱"}}, table.Rows)
}

func TestReadPadsShortRowsAndRejectsLongRows(t *testing.T) {
	table, err := Read(Bytes("short.csv", []byte("\n\na,b,c\n1,2\n")), Options{})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "2", ""}}, table.Rows)

	_, err = Read(Bytes("long.csv", []byte("\n\na,b\n1,2,3\n")), Options{})
	assert.ErrorIs(t, err, ErrDataUnavailable)
	assert.ErrorContains(t, err, "line 4")
}

func TestReadAcceptsBareQuotes(t *testing.T) {
	body := "report\nexported\nmachine,part\nP-7,6\" pipe\nP-8,\"1/2\" valve\"\n"

	table, err := Read(Bytes("quotes.csv", []byte(body)), Options{})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"P-7", `6" pipe`}, {"P-8", `1/2" valve`}}, table.Rows)
}

func TestShiftLinesReportsFileLines(t *testing.T) {
	err := shiftLines(&csv.ParseError{StartLine: 2, Line: 2, Column: 5, Err: csv.ErrQuote}, 2)

	var parseErr *csv.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 4, parseErr.StartLine)
	assert.Equal(t, 4, parseErr.Line)
	assert.ErrorIs(t, err, csv.ErrQuote)

	plain := errors.New("boom")
	assert.Same(t, plain, shiftLines(plain, 2))
}

func TestReadTooShortFile(t *testing.T) {
	_, err := Read(Bytes("tiny.csv", []byte("only one line\n")), Options{})
	assert.ErrorIs(t, err, ErrDataUnavailable)

	_, err = Read(Bytes("two.csv", []byte("one\ntwo\n")), Options{})
	assert.ErrorIs(t, err, ErrDataUnavailable)
}

func TestReadUnsupportedEncoding(t *testing.T) {
	_, err := Read(Bytes("a.csv", []byte(inspectionA)), Options{Encoding: "ebcdic"})
	assert.ErrorContains(t, err, "unsupported csv encoding")
}

func TestLoadFilesConcatenatesInOrder(t *testing.T) {
	first := writeCSV(t, "a.csv", inspectionA)
	second := writeCSV(t, "b.csv", inspectionB)

	table, err := LoadFiles([]string{first, second}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 5, table.Len())
	machines := make([]string, 0, table.Len())
	for _, row := range table.Rows {
		machines = append(machines, row[0])
	}
	assert.Equal(t, []string{"P-101", "P-102", "V-201", "V-202", "V-203"}, machines)
}

func TestLoadFilesMissingPath(t *testing.T) {
	existing := writeCSV(t, "a.csv", inspectionA)

	_, err := LoadFiles([]string{existing, filepath.Join(t.TempDir(), "absent.csv")}, Options{})
	assert.ErrorIs(t, err, ErrDataUnavailable)

	_, err = LoadFiles(nil, Options{})
	assert.ErrorIs(t, err, ErrDataUnavailable)
}

func TestLoadSources(t *testing.T) {
	table, err := Load([]Source{
		Bytes("a.csv", []byte(inspectionA)),
		Bytes("b.csv", []byte(inspectionB)),
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, table.Len())

	_, err = Load([]Source{{Name: "nil.csv"}}, Options{})
	assert.ErrorIs(t, err, ErrDataUnavailable)
}

func TestConcatUnionsColumns(t *testing.T) {
	left := &Table{Columns: []string{"a", "b"}, Rows: [][]string{{"1", "2"}}}
	right := &Table{Columns: []string{"b", "c"}, Rows: [][]string{{"3", "4"}}}

	merged := Concat(left, nil, right)
	assert.Equal(t, []string{"a", "b", "c"}, merged.Columns)
	assert.Equal(t, [][]string{{"1", "2", ""}, {"", "3", "4"}}, merged.Rows)
}

func TestNormalizeHeader(t *testing.T) {
	assert.Equal(t,
		[]string{"id", "Unnamed: 1", "id.1", "name"},
		normalizeHeader([]string{" id ", "", "id", "name"}))
}

func TestMarkdown(t *testing.T) {
	table := &Table{
		Columns: []string{"machine", "note"},
		Rows: [][]string{
			{"P-101", "a|b"},
			{"P-102", "two\nlines"},
		},
	}

	want := strings.Join([]string{
		"|    | machine | note |",
		"|---:|:---|:---|",
		"| 0 | P-101 | a\\|b |",
		"| 1 | P-102 | two lines |",
	}, "\n")
	assert.Equal(t, want, table.Markdown())

	var nilTable *Table
	assert.Empty(t, nilTable.Markdown())
	assert.Zero(t, nilTable.Len())
}
