// Package alert delivers operator notifications about cycle outcomes
package alert

import (
	"context"
	"sync"
	"time"

	"momentum_trader/internal/config"
	"momentum_trader/internal/core"
	"momentum_trader/pkg/concurrency"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

const sendTimeout = 10 * time.Second

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	pool     *concurrency.WorkerPool
	mu       sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
		pool:     concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "alerts", MaxWorkers: 4}, logger),
	}
}

// NewAlertManagerFromConfig registers every channel that has credentials
func NewAlertManagerFromConfig(cfg config.AlertsConfig, logger core.ILogger) *AlertManager {
	am := NewAlertManager(logger)
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		am.AddChannel(NewTelegramChannel(cfg.TelegramBotToken.Reveal(), cfg.TelegramChatID, ""))
	}
	if cfg.SlackWebhookURL != "" {
		am.AddChannel(NewSlackChannel(cfg.SlackWebhookURL.Reveal()))
	}
	return am
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Enabled reports whether any channel is registered
func (am *AlertManager) Enabled() bool {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.channels) > 0
}

// Alert fans the payload out to every channel and waits for delivery, since the
// process exits right after the cycle. Channel failures are logged, not returned.
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", level)

	am.mu.RLock()
	defer am.mu.RUnlock()

	tasks := make([]func(), 0, len(am.channels))
	for _, ch := range am.channels {
		tasks = append(tasks, func() {
			timeoutCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()

			if err := ch.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", ch.Name(), "error", err)
			}
		})
	}
	am.pool.RunAll(tasks...)
}

// Close releases the delivery workers
func (am *AlertManager) Close() {
	am.pool.Stop()
}
