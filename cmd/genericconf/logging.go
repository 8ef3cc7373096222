// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package genericconf

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var globalFileLogger = &fileLogger{}

// fileLogger hands records to a rotating file through a bounded queue.
// Records are dropped while the queue is full so a slow disk never blocks
// the logging caller.
type fileLogger struct {
	mutex   sync.Mutex
	writer  *lumberjack.Logger
	records chan []byte
	done    chan struct{}
}

func (l *fileLogger) Write(p []byte) (int, error) {
	record := make([]byte, len(p))
	copy(record, p)
	l.mutex.Lock()
	defer l.mutex.Unlock()
	select {
	case l.records <- record:
	default:
	}
	return len(p), nil
}

func (l *fileLogger) open(config *FileLoggingConfig, filename string) io.Writer {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.writer = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		LocalTime:  config.LocalTime,
		Compress:   config.Compress,
	}
	records := make(chan []byte, config.BufSize)
	done := make(chan struct{})
	l.records = records
	l.done = done
	writer := l.writer
	go func() {
		defer close(done)
		for record := range records {
			_, _ = writer.Write(record)
		}
	}()
	return l
}

func (l *fileLogger) close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.records != nil {
		close(l.records)
		<-l.done
		l.records = nil
	}
	if l.writer == nil {
		return nil
	}
	err := l.writer.Close()
	l.writer = nil
	return err
}

func HandlerFromLogType(logType string, output io.Writer) (slog.Handler, error) {
	switch logType {
	case "plaintext":
		return log.NewTerminalHandler(output, false), nil
	case "json":
		return log.JSONHandler(output), nil
	default:
		return nil, fmt.Errorf("invalid log type %q", logType)
	}
}

func ToSlogLevel(str string) (slog.Level, error) {
	switch strings.ToUpper(str) {
	case "CRIT", "CRITICAL":
		return log.LevelCrit, nil
	case "ERROR":
		return log.LevelError, nil
	case "WARN", "WARNING":
		return log.LevelWarn, nil
	case "INFO":
		return log.LevelInfo, nil
	case "DEBUG":
		return log.LevelDebug, nil
	case "TRACE":
		return log.LevelTrace, nil
	default:
		return log.LevelInfo, errors.New("invalid log level")
	}
}

// InitLog replaces the default logger. It is not threadsafe.
func InitLog(logType string, logLevel string, fileLoggingConfig *FileLoggingConfig, pathResolver func(string) string) error {
	if err := globalFileLogger.close(); err != nil {
		return fmt.Errorf("failed to close file writer: %w", err)
	}
	var output io.Writer = os.Stderr
	if fileLoggingConfig.Enable {
		output = io.MultiWriter(os.Stderr, globalFileLogger.open(fileLoggingConfig, pathResolver(fileLoggingConfig.File)))
	}
	handler, err := HandlerFromLogType(logType, output)
	if err != nil {
		return fmt.Errorf("error parsing log type when creating handler: %w", err)
	}
	level, err := ToSlogLevel(logLevel)
	if err != nil {
		return fmt.Errorf("error parsing log level: %w", err)
	}
	glogger := log.NewGlogHandler(handler)
	glogger.Verbosity(level)
	log.SetDefault(log.NewLogger(glogger))
	return nil
}
