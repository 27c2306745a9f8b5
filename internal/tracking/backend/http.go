package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/runtrack/runtrack/internal/tracking/operation"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 16 << 20

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL is the root of the tracking service, e.g. https://app.runtrack.io.
	BaseURL string

	// Token is sent as a bearer token with every request.
	Token string

	// Timeout bounds each request (default: 30s). Context deadlines still
	// apply when shorter.
	Timeout time.Duration

	// ClientVersion is compared against the service's supported range by
	// CheckCompatibility. Empty disables the check.
	ClientVersion string

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client

	Logger *log.Logger
}

// DefaultHTTPConfig returns the default HTTP backend configuration.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL: "https://app.runtrack.io",
		Timeout: 30 * time.Second,
	}
}

// HTTPClient is a Backend talking JSON to the tracking service.
type HTTPClient struct {
	baseURL       string
	token         string
	clientVersion string
	http          *http.Client
	logger        *log.Logger
}

var _ Backend = (*HTTPClient)(nil)

// NewHTTPClient validates cfg and returns a client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("backend URL cannot be empty")
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPConfig().Timeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[backend] ", log.LstdFlags)
	}

	return &HTTPClient{
		baseURL:       base,
		token:         cfg.Token,
		clientVersion: cfg.ClientVersion,
		http:          hc,
		logger:        logger,
	}, nil
}

type clientConfig struct {
	MinClientVersion string `json:"min_client_version"`
	MaxClientVersion string `json:"max_client_version,omitempty"`
}

// CheckCompatibility asks the service which client versions it accepts and
// fails when this client is outside that range.
func (c *HTTPClient) CheckCompatibility(ctx context.Context) error {
	if c.clientVersion == "" {
		return nil
	}
	var cc clientConfig
	if err := c.do(ctx, "client-config", http.MethodGet, "/api/v1/client-config", nil, &cc); err != nil {
		return err
	}

	v := canonicalVersion(c.clientVersion)
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid client version %q", c.clientVersion)
	}
	if cc.MinClientVersion == "" && cc.MaxClientVersion == "" {
		c.logger.Printf("Warning: server did not report supported client versions")
		return nil
	}
	if lo := canonicalVersion(cc.MinClientVersion); semver.IsValid(lo) && semver.Compare(v, lo) < 0 {
		return fmt.Errorf("client version %s is no longer supported by the server (minimum %s), please upgrade", v, lo)
	}
	if hi := canonicalVersion(cc.MaxClientVersion); semver.IsValid(hi) && semver.Compare(v, hi) > 0 {
		return fmt.Errorf("client version %s is newer than the server supports (maximum %s)", v, hi)
	}
	return nil
}

func canonicalVersion(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// GetProject implements Backend.
func (c *HTTPClient) GetProject(ctx context.Context, name string) (*Project, error) {
	workspace, project, ok := strings.Cut(name, "/")
	if !ok || workspace == "" || project == "" || strings.Contains(project, "/") {
		return nil, fmt.Errorf("invalid project name %q, expected workspace/project", name)
	}

	var p Project
	path := "/api/v1/projects/" + url.PathEscape(workspace) + "/" + url.PathEscape(project)
	if err := c.do(ctx, "get project", http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateRun implements Backend.
func (c *HTTPClient) CreateRun(ctx context.Context, projectID string) (*Run, error) {
	var r Run
	path := "/api/v1/projects/" + url.PathEscape(projectID) + "/runs"
	if err := c.do(ctx, "create run", http.MethodPost, path, struct{}{}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// LookupRun implements Backend.
func (c *HTTPClient) LookupRun(ctx context.Context, ref string) (*Run, error) {
	var r Run
	path := "/api/v1/runs?ref=" + url.QueryEscape(ref)
	if err := c.do(ctx, "lookup run", http.MethodGet, path, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

type executeRequest struct {
	Operations []operation.Envelope `json:"operations"`
}

// ExecuteOperations implements Backend.
func (c *HTTPClient) ExecuteOperations(ctx context.Context, runID string, ops []operation.Op) error {
	envs, err := operation.ToEnvelopes(ops)
	if err != nil {
		return err
	}
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/operations"
	return c.do(ctx, "execute operations", http.MethodPost, path, executeRequest{Operations: envs}, nil)
}

type errorResponse struct {
	Message string `json:"message"`
}

// do sends a JSON request and decodes a JSON response into out when out is
// not nil. Transport failures and 5xx responses come back as *ServiceError,
// other non-2xx responses as *StatusError.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.clientVersion != "" {
		req.Header.Set("X-Runtrack-Client-Version", c.clientVersion)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ServiceError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &ServiceError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Code: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(data, &er) == nil {
			statusErr.Message = er.Message
		}
		if resp.StatusCode >= 500 {
			return &ServiceError{Op: op, Err: statusErr}
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w: %w", op, ErrNotFound, statusErr)
		}
		return fmt.Errorf("%s: %w", op, statusErr)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// IsTimeout reports whether err came from a request or context deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
