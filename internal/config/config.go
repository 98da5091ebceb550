package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/btalk/btalk-go/internal/util"
)

type Config struct {
	Server Server `json:"server"`
	User   User   `json:"user"`
	ICE    ICE    `json:"ice"`
	Media  Media  `json:"media"`
	Paths  Paths  `json:"paths"`
	Log    Log    `json:"log"`
}

type Server struct {
	RestURL string `json:"rest_url"`
	WSURL   string `json:"ws_url"`
	Token   string `json:"token"`
}

type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICE struct {
	Servers []ICEServer `json:"servers"`
}

type Media struct {
	// When false, calls capture audio only even if a camera is present.
	Video  bool `json:"video"`
	Width  int  `json:"width"`
	Height int  `json:"height"`
}

type Paths struct {
	DataDir string `json:"data_dir"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Server: Server{
			RestURL: "http://localhost:8080/api",
			WSURL:   "ws://localhost:8080/ws",
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Media: Media{
			Video:  true,
			Width:  640,
			Height: 480,
		},
		Paths: Paths{
			DataDir: "data",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if err := validateHTTPURL(c.Server.RestURL, "http", "https"); err != nil {
		return fmt.Errorf("server.rest_url: %w", err)
	}
	if err := validateHTTPURL(c.Server.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("server.ws_url: %w", err)
	}

	if c.User.ID < 0 {
		return errors.New("user.id must be >= 0")
	}

	if len(c.ICE.Servers) == 0 {
		return errors.New("ice.servers must list at least one server")
	}
	for _, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return errors.New("ice.servers entry has no urls")
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("ice server url must be stun/turn/turns: %s", u)
			}
		}
	}

	if c.Media.Width <= 0 || c.Media.Height <= 0 {
		return errors.New("media.width and media.height must be > 0")
	}

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be trace/debug/info/warn/error, got %q", c.Log.Level)
	}

	return nil
}

func validateHTTPURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, "/"))
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
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

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv overlays a handful of environment variables on top of the file,
// so secrets like the token do not have to live in the config on disk.
func (c *Config) applyEnv() {
	if v := os.Getenv("BTALK_REST_URL"); v != "" {
		c.Server.RestURL = v
	}
	if v := os.Getenv("BTALK_WS_URL"); v != "" {
		c.Server.WSURL = v
	}
	if v := os.Getenv("BTALK_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("BTALK_USER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.User.ID = id
		}
	}
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
