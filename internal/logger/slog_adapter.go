package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SlogLogger slog 實作。With 產生的子 logger 共用 writers 與 level，
// 但只有根 logger 會關閉 writers。
type SlogLogger struct {
	logger    *slog.Logger
	sanitizer *Sanitizer
	level     *slog.LevelVar
	writers   []io.WriteCloser // 需要關閉的 writers，子 logger 為 nil
}

// NewSlogLogger 建立新的 slog logger
func NewSlogLogger(config Config) (*SlogLogger, error) {
	var writers []io.Writer
	var closeable []io.WriteCloser

	for _, output := range config.Outputs {
		w, c, err := openOutput(output, config.File)
		if err != nil {
			for _, prev := range closeable {
				prev.Close()
			}
			return nil, err
		}
		if w != nil {
			writers = append(writers, w)
		}
		if c != nil {
			closeable = append(closeable, c)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	level := new(slog.LevelVar)
	level.Set(convertLevel(config.Level))
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	out := io.MultiWriter(writers...)
	var handler slog.Handler
	if config.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &SlogLogger{
		logger:    slog.New(handler),
		sanitizer: NewSanitizer(),
		level:     level,
		writers:   closeable,
	}, nil
}

// openOutput resolves one output target. The second result is set when
// the logger owns the writer and must close it.
func openOutput(output OutputConfig, file FileConfig) (io.Writer, io.WriteCloser, error) {
	switch output.Type {
	case OutputStdout, OutputStderr:
		if output.Writer == nil {
			if output.Type == OutputStdout {
				return os.Stdout, nil, nil
			}
			return os.Stderr, nil, nil
		}
		if wc, ok := output.Writer.(io.WriteCloser); ok && !isStdStream(wc) {
			return output.Writer, wc, nil
		}
		return output.Writer, nil, nil
	case OutputFile:
		if !file.Enabled {
			return nil, nil, nil
		}
		fw, err := createFileWriter(file)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file writer: %w", err)
		}
		return fw, fw, nil
	}
	return nil, nil, fmt.Errorf("unknown log output %d", output.Type)
}

func isStdStream(w io.Writer) bool {
	return w == os.Stdout || w == os.Stderr || w == os.Stdin
}

// createFileWriter 建立檔案 writer（使用 lumberjack 支援 rotation）
func createFileWriter(config FileConfig) (io.WriteCloser, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("log file path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSizeMB,
		MaxAge:     config.MaxAgeDays,
		MaxBackups: config.MaxBackups,
		Compress:   config.Compress,
	}, nil
}

// convertLevel 轉換內部 Level 到 slog.Level
func convertLevel(level Level) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the level of this logger and every logger derived from it
func (l *SlogLogger) SetLevel(level Level) {
	l.level.Set(convertLevel(level))
}

func (l *SlogLogger) log(level slog.Level, msg string, args []any) {
	l.logger.Log(context.Background(), level, l.sanitizer.Sanitize(msg), l.sanitizer.SanitizeArgs(args)...)
}

func (l *SlogLogger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args) }
func (l *SlogLogger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args) }

// With 建立帶 context 的子 logger；子 logger 不擁有 writers，避免重複關閉
func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{
		logger:    l.logger.With(l.sanitizer.SanitizeArgs(args)...),
		sanitizer: l.sanitizer,
		level:     l.level,
	}
}

// Sync 強制 flush；lumberjack 每次寫入即落盤
func (l *SlogLogger) Sync() error {
	return nil
}

// Shutdown 關閉所有擁有的 writers
func (l *SlogLogger) Shutdown() error {
	var lastErr error
	for _, w := range l.writers {
		if err := w.Close(); err != nil {
			lastErr = err
		}
	}
	l.writers = nil
	return lastErr
}
