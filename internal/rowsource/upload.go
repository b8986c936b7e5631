// Package rowsource validates uploaded spreadsheets and decodes them into
// header-keyed rows.
package rowsource

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultMaxBytes is the upload size limit when none is configured.
const DefaultMaxBytes int64 = 10 << 20

// Format is a supported spreadsheet encoding.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// UploadError is a problem with the uploaded file itself. It is reported to
// the uploader and no job is created.
type UploadError struct {
	Reason string
}

func (e *UploadError) Error() string {
	return e.Reason
}

func uploadErrorf(format string, args ...any) *UploadError {
	return &UploadError{Reason: fmt.Sprintf(format, args...)}
}

// DetectFormat returns the format implied by the file extension.
func DetectFormat(fileName string) (Format, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	switch ext {
	case "xlsx":
		return FormatXLSX, nil
	case "csv":
		return FormatCSV, nil
	case "xls":
		return "", uploadErrorf("legacy .xls workbooks are not supported; save the file as .xlsx")
	}
	return "", uploadErrorf("invalid file type %q; upload a .xlsx or .csv file", fileName)
}

// Validate checks the name and size of an upload before it is read.
func Validate(fileName string, size, maxBytes int64) error {
	if strings.TrimSpace(fileName) == "" {
		return uploadErrorf("no file provided")
	}
	if _, err := DetectFormat(fileName); err != nil {
		return err
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if size > maxBytes {
		return uploadErrorf("file size exceeds limit: maximum is %.0fMB, file is %.2fMB",
			float64(maxBytes)/(1<<20), float64(size)/(1<<20))
	}
	if size == 0 {
		return uploadErrorf("file is empty")
	}
	return nil
}
