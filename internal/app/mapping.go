package app

import (
	"fmt"
	"strings"
	"time"

	"expensed/internal/config"
	"expensed/internal/expense"
	"expensed/internal/storage"
	logx "expensed/pkg/logx"
)

// validate rejects configs that would break at runtime. Used both at
// startup and as the hot-reload gate.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExpenseConfig(cfg); err != nil {
		return err
	}
	if cfg.Notifier != nil && cfg.Notifier.Enabled && cfg.Notifier.ChatID == 0 {
		return fmt.Errorf("notifier.chat_id is required when notifier is enabled")
	}
	if mc := cfg.Maintenance; mc != nil {
		if mc.HistoryKeep < 0 {
			return fmt.Errorf("maintenance.history_keep must be >= 0")
		}
		if tz := strings.TrimSpace(mc.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
			}
		}
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapExpenseConfig(cfg *config.Config) (expense.Config, error) {
	if strings.TrimSpace(cfg.Expense.BaseURL) == "" {
		return expense.Config{}, fmt.Errorf("expense.base_url is required")
	}
	timeout, err := config.ParseDurationField("expense.timeout", cfg.Expense.Timeout)
	if err != nil {
		return expense.Config{}, err
	}
	retryBase, err := config.ParseDurationField("expense.retry_base", cfg.Expense.RetryBase)
	if err != nil {
		return expense.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("expense.retry_max_delay", cfg.Expense.RetryMaxDelay)
	if err != nil {
		return expense.Config{}, err
	}
	return expense.Config{
		BaseURL:       cfg.Expense.BaseURL,
		Timeout:       timeout,
		RatePerSec:    cfg.Expense.RatePerSec,
		RetryMax:      cfg.Expense.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, nil
}
