package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/fabfab/ragchat/tabular"
)

// DocumentPayload is a raw file read from the data directory. Path is
// relative to the directory root and slash separated.
type DocumentPayload struct {
	Path string
	Data []byte
}

type DocumentParser interface {
	Parse(ctx context.Context, payload DocumentPayload) (*ParsedDocument, error)
}

type ParsedDocument struct {
	Title  string
	Chunks []string
}

// parserFor returns nil for formats the build step skips.
func parserFor(format DocumentFormat, csvEncoding string) DocumentParser {
	switch format {
	case FormatMarkdown:
		return markdownParser{}
	case FormatText:
		return textParser{}
	case FormatPDF:
		return pdfParser{}
	case FormatCSV:
		return csvParser{encoding: csvEncoding}
	default:
		return nil
	}
}

type markdownParser struct{}

func (markdownParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	content := string(payload.Data)
	return &ParsedDocument{
		Title:  ExtractTitle(content, baseName(payload.Path)),
		Chunks: ChunkMarkdown(content, defaultChunkSize, defaultChunkOverlap),
	}, nil
}

type textParser struct{}

func (textParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	content := normalizePlainText(string(payload.Data))
	title := firstNonEmptyLine(content)
	if title == "" {
		title = baseName(payload.Path)
	}
	return &ParsedDocument{
		Title:  title,
		Chunks: ChunkMarkdown(content, defaultChunkSize, defaultChunkOverlap),
	}, nil
}

type pdfParser struct{}

func (pdfParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	doc, err := pdf.NewReader(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return nil, fmt.Errorf("read pdf text: %w", err)
	}

	content := normalizePlainText(buf.String())
	title := firstNonEmptyLine(content)
	if title == "" {
		title = baseName(payload.Path)
	}

	return &ParsedDocument{
		Title:  title,
		Chunks: ChunkMarkdown(content, defaultChunkSize, defaultChunkOverlap),
	}, nil
}

// csvParser indexes each row as a paragraph of "column: value" lines. The
// header is the first line; encodings follow the tabular package.
type csvParser struct {
	encoding string
}

func (p csvParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	table, err := tabular.Read(tabular.Bytes(payload.Path, payload.Data), tabular.Options{
		HeaderLine: 1,
		Encoding:   p.encoding,
	})
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	paragraphs := make([]string, 0, len(table.Rows))
	for idx, row := range table.Rows {
		paragraphs = append(paragraphs, formatCSVRow(table.Columns, row, idx))
	}

	return &ParsedDocument{
		Title:  baseName(payload.Path),
		Chunks: ChunkMarkdown(strings.Join(paragraphs, "\n\n"), defaultChunkSize, defaultChunkOverlap),
	}, nil
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func firstNonEmptyLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func formatCSVRow(headers, row []string, idx int) string {
	builder := &strings.Builder{}
	fmt.Fprintf(builder, "Row %d", idx+1)

	for i, header := range headers {
		value := ""
		if i < len(row) {
			value = strings.TrimSpace(row[i])
		}
		if value == "" {
			continue
		}
		builder.WriteString("\n")
		builder.WriteString(header)
		builder.WriteString(": ")
		builder.WriteString(value)
	}

	return builder.String()
}
