// Package core is the entry point hosts bind to, for example through
// gomobile. At most one bridge runs per process; every call reports its
// outcome as a human-readable status line.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bepass-org/muxbridge/internal/bridge"
	"github.com/bepass-org/muxbridge/internal/config"
	"github.com/bepass-org/muxbridge/internal/logger"
)

const (
	StatusAlreadyRunning = "Service is already running"
	StatusStarted        = "Service started successfully"
	StatusStartFailed    = "Failed to start service: "
	StatusStopped        = "Service stopped successfully"
	StatusNotRunning     = "Service was not running"
)

// startTimeout bounds the tunnel connection made by StartBridge.
const startTimeout = 30 * time.Second

var (
	mu      sync.Mutex
	current *bridge.Bridge
)

// LogSink receives every log line. Android hosts forward it to logcat.
type LogSink interface {
	Log(tag, message string)
}

// SetLogSink routes logs to s. Passing nil restores stdout.
func SetLogSink(s LogSink) {
	logger.SetSink(s)
}

// StartBridge starts the process-wide bridge. Empty URLs select the default
// endpoints and bare host names get a scheme. A port of zero picks a free one.
func StartBridge(tunnelURL string, localPort int, dohURL string) string {
	cfg := config.Default()
	cfg.TunnelURL = tunnelURL
	cfg.LocalPort = localPort
	cfg.DoHURL = dohURL
	return Start(cfg)
}

// Start starts the process-wide bridge with full settings.
func Start(cfg config.Config) string {
	mu.Lock()
	defer mu.Unlock()

	if current != nil {
		logger.Warn(StatusAlreadyRunning)
		return StatusAlreadyRunning
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return startFailed(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	b := bridge.New(cfg)
	if err := b.Start(ctx); err != nil {
		return startFailed(err)
	}
	current = b
	logger.Info(StatusStarted, "addr", b.Addr())
	return StatusStarted
}

func startFailed(err error) string {
	status := StatusStartFailed + err.Error()
	logger.Error(status)
	return status
}

// StopBridge signals the running bridge to stop and returns without waiting
// for open relays to finish.
func StopBridge() string {
	mu.Lock()
	defer mu.Unlock()

	if current == nil {
		logger.Info(StatusNotRunning)
		return StatusNotRunning
	}
	if err := current.Stop(); err != nil {
		logger.Debug("stop", "error", err)
	}
	current = nil
	logger.Info(StatusStopped)
	return StatusStopped
}

// IsRunning reports whether a bridge has been started and not stopped.
func IsRunning() bool {
	mu.Lock()
	defer mu.Unlock()
	return current != nil
}

// ListenAddr is the address of the running bridge, or "" if none is running.
func ListenAddr() string {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return ""
	}
	return current.Addr().String()
}

// Shutdown stops the running bridge and waits up to timeout for open
// sessions to drain and the tunnel to close.
func Shutdown(timeout time.Duration) error {
	mu.Lock()
	b := current
	current = nil
	mu.Unlock()

	if b == nil {
		return bridge.ErrNotRunning
	}
	if err := b.Stop(); err != nil {
		return err
	}
	logger.Info(StatusStopped)

	select {
	case <-b.Done():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("bridge still draining after %s", timeout)
	}
}
