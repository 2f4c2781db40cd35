package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// FileName is the log file created inside Options.Dir
const FileName = "autolabel.log"

// Logger provides leveled logging (debug/info/warning/error) to stderr and
// an optional log file.
type Logger struct {
	debugLog   *log.Logger
	infoLog    *log.Logger
	warningLog *log.Logger
	errorLog   *log.Logger
	verbose    bool
	file       *os.File
	mu         sync.Mutex
}

// Options configures a Logger
type Options struct {
	// Dir receives autolabel.log when set
	Dir string
	// Verbose enables Debug output
	Verbose bool
	// Out replaces os.Stderr as the console writer
	Out io.Writer
}

// New creates a Logger and ensures the log directory exists.
func New(opts Options) (*Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{verbose: opts.Verbose}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		path := filepath.Join(opts.Dir, FileName)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		l.file = file
		out = io.MultiWriter(out, file)
	}

	l.setup(out)
	return l, nil
}

// Discard returns a Logger that drops everything. Useful in tests.
func Discard() *Logger {
	l := &Logger{}
	l.setup(io.Discard)
	return l
}

func (l *Logger) setup(w io.Writer) {
	flags := log.Ldate | log.Ltime
	l.debugLog = log.New(w, "DEBUG   ", flags)
	l.infoLog = log.New(w, "INFO    ", flags)
	l.warningLog = log.New(w, "WARNING ", flags)
	l.errorLog = log.New(w, "ERROR   ", flags)
}

// Debug writes a formatted debug-level log entry when verbose is enabled.
func (l *Logger) Debug(format string, v ...interface{}) {
	if !l.verbose {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugLog.Printf(format, v...)
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLog.Printf(format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warningLog.Printf(format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLog.Printf(format, v...)
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
