package source

import (
	"errors"
	"fmt"
)

var (
	errEmptyInput = errors.New("no header row")
	errInvalidID  = errors.New("identifier must be a bare name")
	errIsDir      = errors.New("is a directory")
	errInvalidUTF = errors.New("invalid UTF-8")
)

// SourceNotFoundError means an identifier did not resolve to readable data
type SourceNotFoundError struct {
	Source string
	ID     string
	Err    error
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("%s source %q not found: %v", e.Source, e.ID, e.Err)
}

func (e *SourceNotFoundError) Unwrap() error {
	return e.Err
}

// ParseError means a source was readable but not well-formed delimited text
type ParseError struct {
	Source string
	ID     string
	Line   int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s source %q: line %d: %v", e.Source, e.ID, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s source %q: %v", e.Source, e.ID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func notFound(source, id string, err error) error {
	return &SourceNotFoundError{Source: source, ID: id, Err: err}
}

// annotate fills in source and id on a ParseError coming out of ParseCSV
func annotate(source, id string, err error) error {
	var perr *ParseError
	if errors.As(err, &perr) {
		perr.Source = source
		perr.ID = id
	}
	return err
}
