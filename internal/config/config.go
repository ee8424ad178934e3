package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/echo-im/echoclient/internal/util"
)

type Config struct {
	Server  Server  `json:"server"`
	Call    Call    `json:"call"`
	Chat    Chat    `json:"chat"`
	UI      UI      `json:"ui"`
	Logging Logging `json:"logging"`
}

type Server struct {
	// Base URL of the REST backend, e.g. "http://localhost:8080".
	APIURL string `json:"api_url"`

	// Websocket endpoint. Empty derives it from APIURL ("/ws", ws scheme).
	WSURL string `json:"ws_url"`

	// Reconnect backoff bounds (seconds).
	ReconnectBaseSec int `json:"reconnect_base_sec"`
	ReconnectMaxSec  int `json:"reconnect_max_sec"`
}

type Call struct {
	ICEServers     []string `json:"ice_servers"`
	RingTimeoutSec int      `json:"ring_timeout_sec"`

	// Disable video capture even when the hardware supports it.
	VideoDisabled bool   `json:"video_disabled"`
	PreferredCam  string `json:"preferred_cam"`
	PreferredMic  string `json:"preferred_mic"`
}

type Chat struct {
	// In-memory history per conversation.
	HistoryLimit int `json:"history_limit"`
}

type UI struct {
	ToastMillis int `json:"toast_millis"`
}

type Logging struct {
	// Level applies to all subsystems; Subsystems overrides per logger name.
	Level      string            `json:"level"`
	Subsystems map[string]string `json:"subsystems"`
}

func Default() Config {
	return Config{
		Server: Server{
			APIURL:           "http://localhost:8080",
			WSURL:            "",
			ReconnectBaseSec: 1,
			ReconnectMaxSec:  30,
		},
		Call: Call{
			ICEServers:     []string{"stun:stun.l.google.com:19302"},
			RingTimeoutSec: 30,
		},
		Chat: Chat{
			HistoryLimit: 500,
		},
		UI: UI{
			ToastMillis: 3500,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.APIURL) == "" {
		return errors.New("server.api_url is required")
	}
	if err := validateHTTPURL(c.Server.APIURL); err != nil {
		return fmt.Errorf("server.api_url: %w", err)
	}
	if ws := strings.TrimSpace(c.Server.WSURL); ws != "" {
		u, err := url.Parse(ws)
		if err != nil {
			return fmt.Errorf("server.ws_url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("server.ws_url scheme must be ws or wss")
		}
	}
	if c.Server.ReconnectBaseSec <= 0 {
		return errors.New("server.reconnect_base_sec must be > 0")
	}
	if c.Server.ReconnectMaxSec < c.Server.ReconnectBaseSec {
		return errors.New("server.reconnect_max_sec must be >= reconnect_base_sec")
	}

	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_sec must be > 0")
	}
	for _, s := range c.Call.ICEServers {
		if strings.TrimSpace(s) == "" {
			return errors.New("call.ice_servers must not contain empty entries")
		}
	}

	if c.Chat.HistoryLimit <= 0 {
		return errors.New("chat.history_limit must be > 0")
	}

	if c.UI.ToastMillis <= 0 {
		return errors.New("ui.toast_millis must be > 0")
	}

	if err := validateLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	for name, lvl := range c.Logging.Subsystems {
		if err := validateLevel(lvl); err != nil {
			return fmt.Errorf("logging.subsystems[%s]: %w", name, err)
		}
	}

	return nil
}

// WebsocketURL resolves the websocket endpoint, deriving it from the API URL
// when ws_url is not set explicitly.
func (c *Config) WebsocketURL() string {
	if ws := strings.TrimSpace(c.Server.WSURL); ws != "" {
		return ws
	}
	api := util.NormalizeURL(c.Server.APIURL)
	ws := strings.Replace(api, "http", "ws", 1)
	return ws + "/ws"
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateLevel(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "debug", "info", "warn", "error", "fatal", "panic":
		return nil
	}
	return fmt.Errorf("unknown level %q", level)
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
