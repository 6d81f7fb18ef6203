// Package logging gives every component a small tagged logger, in the style
// the teacher codebase uses throughout (log.Printf("[TAG] ...")), passed in
// explicitly at construction instead of referencing a process-wide global.
package logging

import (
	"log"
	"os"
)

// Logger prefixes every line with a bracketed component tag.
type Logger struct {
	tag string
	std *log.Logger
}

// New creates a tagged logger writing to stderr.
func New(tag string) *Logger {
	return &Logger{
		tag: tag,
		std: log.New(os.Stderr, "", log.LstdFlags),
	}
}

// Named derives a child logger that nests the new tag under this one.
func (l *Logger) Named(tag string) *Logger {
	return &Logger{tag: l.tag + "-" + tag, std: l.std}
}

func (l *Logger) Printf(format string, args ...interface{}) {
	l.std.Printf("[%s] "+format, append([]interface{}{l.tag}, args...)...)
}

func (l *Logger) Println(args ...interface{}) {
	l.std.Println(append([]interface{}{"[" + l.tag + "]"}, args...)...)
}
