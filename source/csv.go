package source

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

const utf8BOM = "\ufeff"

// ParseCSV reads UTF-8 comma-separated text with a header row. Every row must
// have as many fields as the header. A header-only input is a valid empty table.
func ParseCSV(r io.Reader) (*Table, error) {
	digest := xxhash.New()

	reader := csv.NewReader(io.TeeReader(r, digest))
	reader.FieldsPerRecord = 0

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &ParseError{Err: errEmptyInput}
	}
	if err != nil {
		return nil, toParseError(err)
	}
	if err := validUTF8(reader, header); err != nil {
		return nil, err
	}
	header[0] = strings.TrimPrefix(header[0], utf8BOM)

	var rows [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, toParseError(err)
		}
		if err := validUTF8(reader, record); err != nil {
			return nil, err
		}
		rows = append(rows, record)
	}

	return &Table{
		Columns:  header,
		Rows:     rows,
		Checksum: hex.EncodeToString(digest.Sum(nil)),
	}, nil
}

// validUTF8 rejects the record just read if any field is not valid UTF-8
func validUTF8(reader *csv.Reader, record []string) error {
	for i, field := range record {
		if !utf8.ValidString(field) {
			line, _ := reader.FieldPos(i)
			return &ParseError{Line: line, Err: errInvalidUTF}
		}
	}
	return nil
}

func toParseError(err error) error {
	var csvErr *csv.ParseError
	if errors.As(err, &csvErr) {
		return &ParseError{Line: csvErr.Line, Err: csvErr.Err}
	}
	return &ParseError{Err: err}
}
