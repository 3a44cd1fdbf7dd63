package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# tickwatch configuration

[server]
addr = ":8080"
# gin mode: debug, release, test
mode = "release"

[store]
path = "tickwatch.db"

[log]
level = "info"
console = true
file = true

[feeds.binance]
enabled = true
url = "wss://stream.binance.com:9443/ws"
symbols = ["BTCUSDT", "ETHUSDT"]

[feeds.okx]
enabled = false
url = "wss://ws.okx.com:8443/ws/v5/public"
symbols = ["BTC-USDT"]

[feeds.connection]
initial_backoff = "1s"
max_backoff = "30s"
multiplier = 2.0
# Give up and report the feed unreachable after this many consecutive failures
max_attempts = 5
heartbeat_interval = "30s"
heartbeat_timeout = "10s"

[cache]
# Prices older than this are treated as absent
ttl = "5m"
sweep_interval = "1m"

[engine]
# How often alerts and condition groups are reloaded from the store
reload_interval = "30s"
workers = 4
queue_size = 256

[governor]
risk_threshold = 50
block_duration = "1h"
# Users exempt from abuse blocking
bypass_users = []

[governor.call]
daily_cap = 30
cooldown = "60s"
per_minute = 3

[governor.sms]
daily_cap = 50
cooldown = "30s"
per_minute = 5

[sender]
# Outbound caller IDs, E.164
identities = []
backup_identity = ""
# round_robin or weighted
strategy = "round_robin"
max_consecutive = 3

[dispatcher]
words_per_minute = 150
max_call_seconds = 60
sms_max_length = 160
max_attempts = 3
initial_backoff = "1s"
backoff_multiplier = 2.0
fallback_enabled = true
voice = "alice"

[provider]
base_url = "https://api.twilio.com/2010-04-01"
status_callback_url = ""
timeout = "10s"
retryable_codes = ["20429", "20500", "20503", "31005", "31009"]

[realtime]
heartbeat_interval = "30s"
max_lifetime = "30m"
buffer_size = 64

[social]
enabled = false
poll_interval = "1m"
seen_capacity = 200
proxies = []

# account = "feed url"
[social.feeds]

[notifications]
enabled = true
telegram = false
`

const credentialsTemplate = `# tickwatch credentials
# WARNING: Keep this file secure! Do not commit to version control.

[provider]
account_sid = ""
auth_token = ""

[telegram]
bot_token = ""
`

// WriteTemplates writes config.toml and credentials.toml into configDir,
// leaving existing files untouched. It returns the paths it created.
func WriteTemplates(configDir string) ([]string, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	var created []string
	files := []struct {
		name string
		body string
		perm os.FileMode
	}{
		{"config.toml", configTemplate, 0644},
		{"credentials.toml", credentialsTemplate, 0600},
	}
	for _, f := range files {
		path := filepath.Join(configDir, f.name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(f.body), f.perm); err != nil {
			return created, fmt.Errorf("writing %s: %w", f.name, err)
		}
		created = append(created, path)
	}
	return created, nil
}

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return fmt.Errorf("credentials file not found, created template at %s", path)
}
