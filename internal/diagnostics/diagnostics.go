// Package diagnostics defines the error type of the compile and execute
// pipeline: semantic errors carry a source location, VM runtime errors
// carry the program counter. The lexer and parser report plain errors
// whose text starts with file:line:col; they do not use SyntaxError.
package diagnostics

import (
	"fmt"
	"strings"
)

// Kind identifies which stage of the pipeline raised an error.
type Kind string

const (
	SyntaxError   Kind = "SyntaxError"
	SemanticError Kind = "SemanticError"
	RuntimeError  Kind = "RuntimeError"
)

// Location pinpoints a position in source text.
type Location struct {
	File   string
	Line   int
	Column int
}

func (l Location) String() string {
	if l.File == "" {
		return fmt.Sprintf("%d:%d", l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Error is a diagnostic with a kind, message and optional source location.
// Runtime errors additionally carry the program counter at which they
// were raised.
type Error struct {
	Kind     Kind
	Message  string
	Location Location
	PC       int
	HasPC    bool
	Source   string
}

func (e *Error) Error() string {
	var sb strings.Builder
	switch e.Kind {
	case RuntimeError:
		if e.HasPC {
			sb.WriteString(fmt.Sprintf("Runtime error at PC %d: %s", e.PC, e.Message))
		} else {
			sb.WriteString(fmt.Sprintf("Runtime error: %s", e.Message))
		}
		return sb.String()
	default:
		sb.WriteString(fmt.Sprintf("%s: %s", e.Kind, e.Message))
		if e.Location.Line > 0 {
			sb.WriteString(fmt.Sprintf(" (%s)", e.Location))
		}
		if e.Source != "" {
			sb.WriteString(fmt.Sprintf("\n  %d | %s", e.Location.Line, e.Source))
		}
		return sb.String()
	}
}

func NewSyntaxError(message, file string, line, column int) *Error {
	return &Error{Kind: SyntaxError, Message: message, Location: Location{File: file, Line: line, Column: column}}
}

func NewSemanticError(message, file string, line, column int) *Error {
	return &Error{Kind: SemanticError, Message: message, Location: Location{File: file, Line: line, Column: column}}
}

func NewRuntimeError(message string, pc int) *Error {
	return &Error{Kind: RuntimeError, Message: message, PC: pc, HasPC: true}
}

func (e *Error) WithSource(source string) *Error {
	e.Source = source
	return e
}

// List collects diagnostics from a pipeline stage that does not stop at
// the first error; the semantic analyser uses it.
type List struct {
	errs []*Error
}

func (l *List) Add(e *Error) {
	l.errs = append(l.errs, e)
}

func (l *List) HasErrors() bool {
	return len(l.errs) > 0
}

func (l *List) Errors() []*Error {
	return l.errs
}

func (l *List) Error() string {
	parts := make([]string, len(l.errs))
	for i, e := range l.errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "\n")
}
