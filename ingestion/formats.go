// Package ingestion builds the persisted document index from a data
// directory: parse, chunk, embed, write.
package ingestion

import (
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates supported document payload formats.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown DocumentFormat = ""
	// FormatMarkdown represents Markdown documents.
	FormatMarkdown DocumentFormat = "markdown"
	// FormatText represents plain text documents.
	FormatText DocumentFormat = "text"
	// FormatPDF represents PDF documents.
	FormatPDF DocumentFormat = "pdf"
	// FormatCSV represents comma separated values documents.
	FormatCSV DocumentFormat = "csv"
)

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".txt", ".text":
		return FormatText
	case ".pdf":
		return FormatPDF
	case ".csv":
		return FormatCSV
	default:
		return FormatUnknown
	}
}
