// Package alog is the logging backend shared by every AllNet component:
// one process-wide Backend, handed out as named *logging.Logger values
// to each subsystem via GetLogger(name).
package alog

import (
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	logging "gopkg.in/op/go-logging.v1"
)

var format = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
)

// Backend owns the process's single log writer and hands out named child
// loggers. component processes (ad, alocal, aip, abc, ...) each construct
// exactly one Backend at startup.
type Backend struct {
	writer io.Writer
	level  logging.Level
}

// New builds a Backend writing to stderr and, when logFile is non-empty,
// also to a rotating file at logFile, at the given level name ("DEBUG",
// "INFO", "WARNING", "ERROR"). An empty logFile logs to stderr only.
func New(levelName, logFile string) (*Backend, error) {
	level, err := logging.LogLevel(levelName)
	if err != nil {
		level = logging.INFO
	}
	var w io.Writer = os.Stderr
	if logFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}
	return &Backend{writer: w, level: level}, nil
}

// GetLogger returns a logger for the named subsystem ("forwarder",
// "peers", "bloomcache", ...), sharing this Backend's destination and
// level.
func (b *Backend) GetLogger(name string) *logging.Logger {
	backend := logging.NewLogBackend(b.writer, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(b.level, name)
	log := logging.MustGetLogger(name)
	log.SetBackend(leveled)
	return log
}
