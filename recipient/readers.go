package recipient

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

func readSpreadsheet(data []byte) ([]string, [][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open workbook")
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, errors.New("no sheets found in workbook")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read sheet %q", sheets[0])
	}
	if len(rows) == 0 {
		return nil, nil, errors.Errorf("sheet %q is empty", sheets[0])
	}

	return rows[0], rows[1:], nil
}

func readCSV(data []byte) ([]string, [][]string, error) {
	data = stripBOM(data)

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.FieldsPerRecord = -1 // allow ragged rows
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, errors.New("no header row")
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read header")
	}

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to read row")
		}
		if isBlank(row) {
			continue
		}
		rows = append(rows, row)
	}

	return header, rows, nil
}

// readPlainText is the last-resort reader: one record per non-blank line, fields
// split on the delimiter with no quoting rules.
func readPlainText(data []byte) ([]string, [][]string, error) {
	data = stripBOM(data)
	sep := string(sniffDelimiter(data))

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 {
		return nil, nil, errors.New("need a header row and at least one data row")
	}

	split := func(line string) []string {
		fields := strings.Split(strings.TrimRight(line, "\r"), sep)
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		return fields
	}

	rows := make([][]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		rows = append(rows, split(line))
	}
	return split(lines[0]), rows, nil
}

// sniffDelimiter picks ';' or tab over ',' when the header line uses them.
func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}

	best, count := ',', bytes.Count(line, []byte{','})
	for _, d := range []rune{';', '\t'} {
		if n := bytes.Count(line, []byte(string(d))); n > count {
			best, count = d, n
		}
	}
	return best
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
