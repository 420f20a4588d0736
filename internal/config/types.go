package config

// Config is the daemon's on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig      `json:"logging"`
	Storage     StorageConfig      `json:"storage"`
	Expense     ExpenseConfig      `json:"expense"`
	HTTP        HTTPConfig         `json:"http"`
	Notifier    *NotifierConfig    `json:"notifier,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file"`
}

// ConsoleEnabled defaults to true when omitted.
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

type StorageConfig struct {
	// Driver: "sqlite" (default) or "memory".
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ExpenseConfig configures the remote expense API client.
// The bearer token itself comes from the environment (EXPENSE_API_TOKEN),
// never from this file.
type ExpenseConfig struct {
	BaseURL       string `json:"base_url"`
	Timeout       string `json:"timeout,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"` // default ":8287"
}

// NotifierConfig controls failure notifications via Telegram.
// The bot token comes from the environment (TELEGRAM_BOT_TOKEN).
type NotifierConfig struct {
	Enabled bool  `json:"enabled"`
	ChatID  int64 `json:"chat_id,omitempty"`
}

// MaintenanceConfig controls background sweeps.
//
// ReconcileSpec is a cron expression (robfig/cron, 5-field or @every form)
// for the periodic wake-up reconcile; PruneSpec for history pruning.
type MaintenanceConfig struct {
	ReconcileSpec string `json:"reconcile_spec,omitempty"` // default "@every 1h"
	PruneSpec     string `json:"prune_spec,omitempty"`     // default "30 3 * * *"
	HistoryKeep   int    `json:"history_keep,omitempty"`   // default 500
	Timezone      string `json:"timezone,omitempty"`
}
