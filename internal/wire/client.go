// Package wire implements the typed HTTP client for the remote sync API.
//
// Every response is wrapped in an Envelope whose code must be 2xx. Failures
// are returned as *Error with a Kind telling the caller whether to defer
// (network), pause (auth), retry (transient) or record the failure
// (application).
package wire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/mod/semver"
)

// Endpoint paths.
const (
	PathBackupInit      = "/sync/backup-init"
	PathFullSyncStart   = "/sync/full-sync/start"
	PathFullSyncBatch   = "/sync/full-sync/batch"
	PathFullSyncFinish  = "/sync/full-sync/finish/"
	PathIncrementalSync = "/sync/incremental-sync"
	PathChanges         = "/sync/changes"
)

// Headers attached to every request.
const (
	HeaderDeviceID   = "X-Device-ID"
	HeaderAPIVersion = "X-API-Version"
)

// DefaultCompressionThreshold is the body size above which requests are gzipped.
const DefaultCompressionThreshold = 1024

// Config configures a Client.
type Config struct {
	BaseURL              string
	APIVersion           string
	DeviceID             string
	Timeout              time.Duration
	Compression          bool
	CompressionThreshold int

	// HTTPClient overrides the pooled client built from the other fields.
	HTTPClient *http.Client
}

// Client talks to the sync API. It is safe for concurrent use.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	auth   AuthProvider
	logger *slog.Logger
}

// New creates a Client.
func New(cfg Config, auth AuthProvider, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", cfg.BaseURL)
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if auth == nil {
		return nil, fmt.Errorf("auth provider is required")
	}
	if cfg.APIVersion != "" && !semver.IsValid(canonicalVersion(cfg.APIVersion)) {
		return nil, fmt.Errorf("invalid api version %q", cfg.APIVersion)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = DefaultCompressionThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = newPooledClient(cfg.Timeout)
	}

	return &Client{
		cfg:    cfg,
		base:   base,
		http:   hc,
		auth:   auth,
		logger: logger,
	}, nil
}

func newPooledClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// DeviceID returns the device id sent with every request.
func (c *Client) DeviceID() string {
	return c.cfg.DeviceID
}

// BackupInit registers the device and returns the server's table mappings.
// A server advertising a different major API version is rejected.
func (c *Client) BackupInit(ctx context.Context) (*BackupInitResponse, error) {
	const op = "backup-init"
	var out BackupInitResponse
	if err := c.do(ctx, op, http.MethodPost, PathBackupInit, BackupInitRequest{DeviceID: c.cfg.DeviceID}, &out); err != nil {
		return nil, err
	}
	if err := c.checkAPIVersion(out.APIVersion); err != nil {
		return nil, &Error{Op: op, Kind: KindApplication, Err: err}
	}
	return &out, nil
}

func (c *Client) checkAPIVersion(server string) error {
	if server == "" || c.cfg.APIVersion == "" {
		return nil
	}
	sv := canonicalVersion(server)
	if !semver.IsValid(sv) {
		return fmt.Errorf("server reported invalid api version %q", server)
	}
	if semver.Major(sv) != semver.Major(canonicalVersion(c.cfg.APIVersion)) {
		return fmt.Errorf("incompatible api version: client %s, server %s", c.cfg.APIVersion, server)
	}
	return nil
}

func canonicalVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// FullSyncStart opens a paginated full-sync session for table.
func (c *Client) FullSyncStart(ctx context.Context, table string, pageSize int) (*FullSyncStartResponse, error) {
	var out FullSyncStartResponse
	req := FullSyncStartRequest{TableName: table, PageSize: pageSize}
	if err := c.do(ctx, "full-sync-start", http.MethodPost, PathFullSyncStart, req, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, &Error{Op: "full-sync-start", Kind: KindApplication, Message: "server returned no session id"}
	}
	return &out, nil
}

// FullSyncBatch fetches one page (1-based) of a session.
func (c *Client) FullSyncBatch(ctx context.Context, sessionID string, page int) (*FullSyncBatchResponse, error) {
	var out FullSyncBatchResponse
	req := FullSyncBatchRequest{SessionID: sessionID, Page: page}
	if err := c.do(ctx, "full-sync-batch", http.MethodPost, PathFullSyncBatch, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FullSyncFinish releases a session on the server.
func (c *Client) FullSyncFinish(ctx context.Context, sessionID string) error {
	return c.do(ctx, "full-sync-finish", http.MethodDelete, PathFullSyncFinish+url.PathEscape(sessionID), nil, nil)
}

// IncrementalSync uploads a batch of changes for table.
func (c *Client) IncrementalSync(ctx context.Context, table string, items []SyncItem) (*IncrementalSyncResponse, error) {
	var out IncrementalSyncResponse
	req := IncrementalSyncRequest{TableName: table, Data: items, DeviceID: c.cfg.DeviceID}
	if err := c.do(ctx, "incremental-sync", http.MethodPost, PathIncrementalSync, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetChanges returns server changes with a sequence id greater than since.
func (c *Client) GetChanges(ctx context.Context, since int64, limit int) (*ChangesResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("device_id", c.cfg.DeviceID)

	var out ChangesResponse
	if err := c.do(ctx, "get-changes", http.MethodGet, PathChanges+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	token, err := c.auth.Token()
	if err != nil {
		return &Error{Op: op, Kind: KindAuth, Err: err}
	}

	var (
		reader   io.Reader
		encoding string
	)
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Kind: KindApplication, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		if c.cfg.Compression && len(payload) > c.cfg.CompressionThreshold {
			if payload, err = gzipBytes(payload); err != nil {
				return &Error{Op: op, Kind: KindApplication, Err: err}
			}
			encoding = "gzip"
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return &Error{Op: op, Kind: KindApplication, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(HeaderDeviceID, c.cfg.DeviceID)
	if c.cfg.APIVersion != "" {
		req.Header.Set(HeaderAPIVersion, c.cfg.APIVersion)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(op, err)
	}
	c.logger.Debug("sync request",
		"op", op, "status", resp.StatusCode, "bytes", len(raw),
		"gzip", encoding != "", "elapsed", time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized {
		c.auth.Invalidate()
		return &Error{Op: op, Kind: KindAuth, StatusCode: resp.StatusCode, Message: envelopeMessage(raw)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := KindApplication
		if isRetryableStatus(resp.StatusCode) {
			kind = KindTransient
		}
		return &Error{Op: op, Kind: kind, StatusCode: resp.StatusCode, Message: envelopeMessage(raw)}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Op: op, Kind: KindApplication, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed envelope: %w", err)}
	}
	if !env.OK() {
		switch {
		case env.Code == http.StatusUnauthorized:
			c.auth.Invalidate()
			return &Error{Op: op, Kind: KindAuth, StatusCode: env.Code, Message: env.Message}
		case isRetryableStatus(env.Code) || isRetryableMessage(env.Message):
			return &Error{Op: op, Kind: KindTransient, StatusCode: env.Code, Message: env.Message}
		default:
			return &Error{Op: op, Kind: KindApplication, StatusCode: env.Code, Message: env.Message}
		}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Op: op, Kind: KindApplication, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response data: %w", err)}
	}
	return nil
}

func envelopeMessage(raw []byte) string {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Message != "" {
		return env.Message
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress request: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress request: %w", err)
	}
	return buf.Bytes(), nil
}
