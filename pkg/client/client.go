package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Device portal endpoints.
const (
	PathPackages        = "/api/app/packagemanager/packages"
	PathPackage         = "/api/app/packagemanager/package"
	PathInstallState    = "/api/app/packagemanager/state"
	PathProcesses       = "/api/resourcemanager/processes"
	PathTaskManagerApp  = "/api/taskmanager/app"
	PathProviders       = "/api/etw/providers"
	PathCustomProviders = "/api/etw/customproviders"
	PathTraceSession    = "/api/etw/session/realtime"
)

// Client talks to the device portal REST and WebSocket endpoints.
type Client struct {
	baseURL  string
	client   *http.Client
	dialer   *websocket.Dialer
	username string
	password string
	logger   *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Username string // Optional basic auth user
	Password string
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://127.0.0.1:11443",
		Timeout: 10 * time.Second,
	}
}

// InsecureConfig returns a configuration for devices with self-signed certificates.
func InsecureConfig() Config {
	c := DefaultConfig()
	c.Insecure = true
	return c
}

// New creates a new device portal client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.Timeout,
	}

	// Callers that need to fail fast check TLSConfig before calling New.
	tlsConfig, err := config.TLSConfig()
	if err != nil {
		config.Logger.Error("TLS setup failed", "error", err)
	} else if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
		dialer.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		username: config.Username,
		password: config.Password,
		logger:   config.Logger,
		dialer:   dialer,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// BaseURL returns the normalized device URL.
func (c *Client) BaseURL() string { return c.baseURL }

// InstalledPackages lists every installed package.
func (c *Client) InstalledPackages(ctx context.Context) ([]Package, error) {
	var body installedPackages
	if err := c.getJSON(ctx, PathPackages, &body); err != nil {
		return nil, err
	}
	out := make([]Package, 0, len(body.InstalledPackages))
	for _, raw := range body.InstalledPackages {
		var p Package
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode package: %w", err)
		}
		if err := json.Unmarshal(raw, &p.Raw); err != nil {
			return nil, fmt.Errorf("decode package fields: %w", err)
		}
		p.IsInstalled = true
		out = append(out, p)
	}
	return out, nil
}

// RunningProcesses returns a single process snapshot.
func (c *Client) RunningProcesses(ctx context.Context) (ProcessSnapshot, error) {
	var snap ProcessSnapshot
	err := c.getJSON(ctx, PathProcesses, &snap)
	return snap, err
}

// Providers returns both the registered and the custom trace providers.
func (c *Client) Providers(ctx context.Context) ([]Provider, error) {
	var out []Provider
	for _, p := range []string{PathProviders, PathCustomProviders} {
		var list providerList
		if err := c.getJSON(ctx, p, &list); err != nil {
			return nil, err
		}
		out = append(out, list.Providers...)
	}
	return out, nil
}

// StartApp launches the application identified by relative id and package full name.
func (c *Client) StartApp(ctx context.Context, relativeID, fullName string) error {
	c.logger.Debug("Starting app", "package", fullName, "app_id", relativeID)
	q := url.Values{}
	q.Set("appid", b64(relativeID))
	q.Set("package", b64(fullName))
	return c.doRequest(ctx, http.MethodPost, PathTaskManagerApp+"?"+q.Encode(), nil, "")
}

// StopApp terminates every process of the package.
func (c *Client) StopApp(ctx context.Context, fullName string) error {
	c.logger.Debug("Stopping app", "package", fullName)
	q := url.Values{}
	q.Set("package", b64(fullName))
	return c.doRequest(ctx, http.MethodDelete, PathTaskManagerApp+"?"+q.Encode(), nil, "")
}

// Uninstall removes the package from the device.
func (c *Client) Uninstall(ctx context.Context, fullName string) error {
	c.logger.Debug("Uninstalling package", "package", fullName)
	q := url.Values{}
	q.Set("package", fullName)
	return c.doRequest(ctx, http.MethodDelete, PathPackage+"?"+q.Encode(), nil, "")
}

// InstallState reports whether the last installation finished.
// done is false while the device is still installing.
func (c *Client) InstallState(ctx context.Context) (state InstallState, done bool, err error) {
	resp, err := c.send(ctx, http.MethodGet, PathInstallState, nil, "")
	if err != nil {
		return InstallState{}, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return InstallState{}, false, nil
	}
	if err := c.handleErrorResponse(resp); err != nil {
		return InstallState{}, false, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return InstallState{}, false, fmt.Errorf("decode install state: %w", err)
	}
	return state, true, nil
}

// DialStream opens a WebSocket stream on the given device path.
func (c *Client) DialStream(ctx context.Context, path string) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	header := http.Header{}
	if c.username != "" {
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.username+":"+c.password)))
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &TransportError{Op: "DIAL", URL: u.String(), Err: err}
	}
	c.logger.Debug("Stream connected", "url", u.String())
	return conn, nil
}

// TLSConfig builds the TLS settings for the HTTP and stream transports. It
// returns nil when neither TLS nor Insecure is requested. Insecure only turns
// off server verification; a configured CA and client key pair still load.
func (config Config) TLSConfig() (*tls.Config, error) {
	enabled := config.TLS != nil && config.TLS.Enabled
	if !enabled && !config.Insecure {
		return nil, nil
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: config.Insecure}
	if !enabled {
		return tlsConfig, nil
	}

	if config.TLS.SkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	switch {
	case config.TLS.ClientCert != "" && config.TLS.ClientKey != "":
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case config.TLS.ClientCert != "" || config.TLS.ClientKey != "":
		return nil, fmt.Errorf("client certificate and key must be set together")
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.send(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// doRequest performs HTTP request with common error handling
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string) error {
	resp, err := c.send(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return c.handleErrorResponse(resp)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return nil, &TransportError{Op: method, URL: u, Err: err}
	}
	return resp, nil
}

// handleErrorResponse turns a non-2xx response into an APIError carrying the device reason.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errorResp ErrorResponse
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&errorResp); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode}
	}

	c.logger.Error("API request failed", "reason", errorResp.Reason, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Reason: errorResp.Reason}
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
