package logger

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrAlreadyInitialized 表示全域 logger 已存在，重新設定前需先 Shutdown
var ErrAlreadyInitialized = errors.New("logger already initialized")

// global is nil until Init and again after Shutdown
var global atomic.Pointer[SlogLogger]

var discard Logger = &NullLogger{}

// Init builds a logger from config and installs it as the process default
func Init(config Config) error {
	if global.Load() != nil {
		return ErrAlreadyInitialized
	}

	l, err := NewSlogLogger(config)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	if !global.CompareAndSwap(nil, l) {
		// another Init won
		_ = l.Shutdown()
		return ErrAlreadyInitialized
	}
	return nil
}

// Get 回傳全域 logger；未初始化時回傳 NullLogger
func Get() Logger {
	if l := global.Load(); l != nil {
		return l
	}
	return discard
}

// With returns a child of the global logger carrying args
func With(args ...any) Logger {
	return Get().With(args...)
}

func Sync() error {
	return Get().Sync()
}

// Shutdown uninstalls the global logger and closes its writers.
// Init may be called again afterwards.
func Shutdown() error {
	l := global.Swap(nil)
	if l == nil {
		return nil
	}
	return l.Shutdown()
}

// SetLevel changes the level of the global logger and its children
func SetLevel(level Level) {
	if l := global.Load(); l != nil {
		l.SetLevel(level)
	}
}

// NullLogger discards everything
type NullLogger struct{}

func (*NullLogger) Debug(string, ...any) {}
func (*NullLogger) Info(string, ...any)  {}
func (*NullLogger) Warn(string, ...any)  {}
func (*NullLogger) Error(string, ...any) {}

func (n *NullLogger) With(...any) Logger { return n }
func (*NullLogger) Sync() error          { return nil }
func (*NullLogger) Shutdown() error      { return nil }
