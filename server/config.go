/******************************************************************************
 *
 *  Description :
 *
 *  Config file parsing. JSON with comments or YAML.
 *
 *****************************************************************************/

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	jcr "github.com/tinode/jsonco"
	"gopkg.in/yaml.v3"

	"github.com/tinode/topicsync/server/wsproxy"
)

const (
	defaultListen        = ":6060"
	defaultWsPath        = "/sync"
	defaultSessionCookie = "session"
	defaultStatsPath     = "/metrics"
)

// Contents of the configuration file
type configType struct {
	// HTTP(S) address:port to listen on for websocket clients. Default ":6060".
	Listen string `json:"listen"`
	// URL path of the hub's websocket endpoint. Default "/sync".
	WsPath string `json:"ws_path"`
	// Name of the cookie which carries the session secret. Default "session".
	SessionCookie string `json:"session_cookie"`
	// Take IP address of the client from the HTTP header 'X-Forwarded-For'.
	// Useful when the server is behind a reverse proxy.
	UseXForwardedFor bool `json:"use_x_forwarded_for"`
	// Maximum message size allowed from the client.
	MaxMessageSize int `json:"max_message_size"`
	// Attempts to queue a message to a slow subscriber before it's disconnected.
	ShareRetries int `json:"share_retries"`
	// Pause between the attempts, milliseconds.
	ShareRetryPause int `json:"share_retry_pause"`
	// Number of goroutines persisting topics.
	SaveWorkers int `json:"save_workers"`
	// URL path for exposing metrics. "-" disables.
	StatsPath string `json:"stats_path"`
	// Destination of the HTTP access log: "stdout", "stderr" or a file name.
	AccessLog string `json:"access_log"`
	// ID of this node. Random if not set.
	NodeID string `json:"node_id"`

	// Configs for subsystems
	TLS          *TlsConfig      `json:"tls"`
	StoreConfig  json.RawMessage `json:"store_config"`
	AuthConfig   json.RawMessage `json:"auth_config"`
	AccessConfig json.RawMessage `json:"access_config"`
	JobsConfig   json.RawMessage `json:"jobs_config"`
	BridgeConfig json.RawMessage `json:"bridge_config"`
	ProxyConfig  proxyConfig     `json:"proxy_config"`
	// Element class labels of topics: topic ID -> class.
	Topics map[string]string `json:"topics"`
}

type proxyConfig struct {
	// Initial size of the message reassembly buffer.
	InitialBuffer int `json:"initial_buffer"`
	// Largest message relayed from upstreams.
	MaxMessage int `json:"max_message"`
	// Upstream handshake timeout, seconds.
	HandshakeTimeout int `json:"handshake_timeout"`
	// Sleep between checks of a tunnel which is not open yet, milliseconds.
	PollInterval int `json:"poll_interval"`
	// Number of such checks.
	PollAttempts int `json:"poll_attempts"`
	// Reconnects of a failed tunnel per message.
	ReconnectAttempts int `json:"reconnect_attempts"`
	// Domain of cookies set by upstreams of direct routes.
	CookieDomain string `json:"cookie_domain"`
	// Direct routes: URL path prefix -> upstream websocket URL.
	Routes map[string]string `json:"routes"`
}

// registryConfig converts the section to the tunnel registry config.
func (pc *proxyConfig) registryConfig() wsproxy.Config {
	return wsproxy.Config{
		HandshakeTimeout:  time.Duration(pc.HandshakeTimeout) * time.Second,
		PollInterval:      time.Duration(pc.PollInterval) * time.Millisecond,
		PollAttempts:      pc.PollAttempts,
		ReconnectAttempts: pc.ReconnectAttempts,
		InitialBuffer:     pc.InitialBuffer,
		MaxMessage:        pc.MaxMessage,
	}
}

// bridgeSelection returns the name and config of the bridge selected by "use".
func (c *configType) bridgeSelection() (string, json.RawMessage, error) {
	if len(c.BridgeConfig) == 0 {
		return "", nil, nil
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(c.BridgeConfig, &sections); err != nil {
		return "", nil, errors.New("config: invalid bridge_config: " + err.Error())
	}
	var use string
	if raw, ok := sections["use"]; ok {
		if err := json.Unmarshal(raw, &use); err != nil {
			return "", nil, errors.New("config: bridge_config.use must be a string")
		}
	}
	if use == "" || use == "none" {
		return "", nil, nil
	}
	return use, sections[use], nil
}

func (c *configType) setDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.WsPath == "" {
		c.WsPath = defaultWsPath
	}
	if c.SessionCookie == "" {
		c.SessionCookie = defaultSessionCookie
	}
	if c.StatsPath == "" {
		c.StatsPath = defaultStatsPath
	}
}

// loadConfig reads the config file. Files with .yaml or .yml extension are parsed as YAML,
// everything else as JSON with comments.
func loadConfig(path string) (*configType, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config configType
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = parseYAMLConfig(file, &config)
	default:
		err = parseJSONConfig(file, &config)
	}
	if err != nil {
		return nil, err
	}
	config.setDefaults()
	return &config, nil
}

func parseJSONConfig(src io.Reader, config *configType) error {
	jr := jcr.New(src)
	if err := json.NewDecoder(jr).Decode(config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return fmt.Errorf("unmarshall error in config file in %s at %d:%d (offset %d bytes): %w",
				jerr.Field, lnum, cnum, jerr.Offset, err)
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return fmt.Errorf("syntax error in config file at %d:%d (offset %d bytes): %w",
				lnum, cnum, jerr.Offset, err)
		default:
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return nil
}

// parseYAMLConfig converts YAML to JSON so that raw subsystem configs keep their JSON form.
func parseYAMLConfig(src io.Reader, config *configType) error {
	var tree map[string]any
	if err := yaml.NewDecoder(src).Decode(&tree); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("YAML config is not representable as JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}
