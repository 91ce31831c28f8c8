// Package recipient loads mailing lists from spreadsheet and delimited text files.
package recipient

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrUnreadable is returned when the file is missing or cannot be read.
	ErrUnreadable = errors.New("recipient file is not readable")
	// ErrUnparsable is returned when the content is not a usable table.
	ErrUnparsable = errors.New("recipient file cannot be parsed")
	// ErrNoRecipients is returned when the table has no row with an email.
	ErrNoRecipients = errors.New("no valid recipients found")
)

// Recipient is a single row of a mailing list.
type Recipient struct {
	Email   string `json:"email" db:"email"`
	Name    string `json:"name,omitempty" db:"name"`
	Company string `json:"company,omitempty" db:"company"`
}

var (
	emailColumns   = []string{"email", "e-mail", "email address", "mail"}
	nameColumns    = []string{"name", "full name"}
	companyColumns = []string{"company", "organization", "organisation"}
)

// Load reads recipients from a file. Workbooks (.xlsx, .xlsm, .xltx) go through
// the spreadsheet reader, everything else through the CSV reader. When the
// primary reader fails on content that is not a zip archive, it is parsed again
// as plain delimited text. Legacy .xls workbooks are rejected.
func Load(path string) ([]Recipient, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(ErrUnreadable, err.Error())
	}
	if info.IsDir() {
		return nil, errors.Wrapf(ErrUnreadable, "%s is a directory", path)
	}
	if info.Size() == 0 {
		return nil, errors.Wrapf(ErrUnparsable, "%s is empty", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(ErrUnreadable, err.Error())
	}

	if isLegacyWorkbook(path, data) {
		return nil, errLegacyWorkbook
	}
	if isSpreadsheet(path) {
		return parse(data, readSpreadsheet)
	}
	return parse(data, readCSV)
}

// ParseCSV reads recipients from delimited text.
func ParseCSV(r io.Reader) ([]Recipient, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(ErrUnreadable, err.Error())
	}
	return parse(data, readCSV)
}

// ParseXLSX reads recipients from the first sheet of a workbook.
func ParseXLSX(r io.Reader) ([]Recipient, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(ErrUnreadable, err.Error())
	}
	if bytes.HasPrefix(data, oleMagic) {
		return nil, errLegacyWorkbook
	}
	return parse(data, readSpreadsheet)
}

type tableReader func(data []byte) (header []string, rows [][]string, err error)

func parse(data []byte, primary tableReader) ([]Recipient, error) {
	header, rows, err := primary(data)
	if err != nil {
		if bytes.HasPrefix(data, zipMagic) {
			return nil, errors.Wrap(ErrUnparsable, err.Error())
		}
		var fbErr error
		header, rows, fbErr = readPlainText(data)
		if fbErr != nil {
			return nil, errors.Wrapf(ErrUnparsable, "%v (fallback: %v)", err, fbErr)
		}
	}

	recipients, err := ParseRows(header, rows)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	return recipients, nil
}

// ParseRows maps table rows to recipients. Column names are matched
// case-insensitively; rows with a blank email are skipped. Duplicates are kept.
func ParseRows(header []string, rows [][]string) ([]Recipient, error) {
	columns := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, seen := columns[key]; !seen {
			columns[key] = i
		}
	}

	emailIdx := findColumn(columns, emailColumns)
	if emailIdx < 0 {
		return nil, errors.Wrap(ErrUnparsable, "no email column in header")
	}
	nameIdx := findColumn(columns, nameColumns)
	companyIdx := findColumn(columns, companyColumns)

	recipients := make([]Recipient, 0, len(rows))
	for _, row := range rows {
		email := cell(row, emailIdx)
		if email == "" {
			continue
		}
		recipients = append(recipients, Recipient{
			Email:   email,
			Name:    cell(row, nameIdx),
			Company: cell(row, companyIdx),
		})
	}
	return recipients, nil
}

func findColumn(columns map[string]int, names []string) int {
	for _, name := range names {
		if i, ok := columns[name]; ok {
			return i
		}
	}
	return -1
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func isSpreadsheet(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xltx":
		return true
	}
	return false
}

var (
	zipMagic = []byte("PK\x03\x04")
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

	errLegacyWorkbook = errors.Wrap(ErrUnparsable, ".xls is not supported, save as .xlsx or .csv")
)

// isLegacyWorkbook reports a BIFF workbook, either by extension or by the OLE
// compound file header.
func isLegacyWorkbook(path string, data []byte) bool {
	return strings.EqualFold(filepath.Ext(path), ".xls") || bytes.HasPrefix(data, oleMagic)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func stripBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, utf8BOM)
}
