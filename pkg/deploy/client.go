// Package deploy talks to the HTTP and gRPC interfaces of a running Gonolith
// node: it probes node health and uploads packaged services.
package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Noahdw/Gonolith/pkg/harnesserr"
	"github.com/Noahdw/Gonolith/pkg/packager"
)

// maxBody caps how much of a response body is read into a diagnostic
const maxBody = 64 << 10

// Outcome is the result of one install attempt
type Outcome struct {
	Node       string
	Success    bool
	ServiceID  string
	StatusCode int
	Diagnostic string
	Duration   time.Duration
}

// Client issues requests against node endpoints. It holds no connections
// between calls.
type Client struct {
	config Config
	logger *slog.Logger
}

// NewClient creates a deployment client
func NewClient(opts ...Option) *Client {
	c := &Client{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "deploy")
	return c
}

// CheckHealth requires GET /get-status on nodeAddr to answer 200 within timeout
func (c *Client) CheckHealth(ctx context.Context, nodeAddr string, timeout time.Duration) error {
	status, body, err := c.do(ctx, http.MethodGet, nodeAddr, "/get-status", nil, -1, timeout)
	if err != nil {
		return harnesserr.HealthCheck(nodeAddr, err)
	}
	if status != http.StatusOK {
		return harnesserr.HealthCheck(nodeAddr, fmt.Errorf("%s", diagnostic(status, body))).
			WithContext("status", status)
	}
	return nil
}

// Healthy reports whether CheckHealth succeeds
func (c *Client) Healthy(ctx context.Context, nodeAddr string, timeout time.Duration) bool {
	err := c.CheckHealth(ctx, nodeAddr, timeout)
	if err != nil {
		c.logger.Debug("node unhealthy", "address", nodeAddr, "error", err)
	}
	return err == nil
}

// Install uploads the artifact archive as the raw body of POST /install-service.
// The archive is removed whatever the outcome.
func (c *Client) Install(ctx context.Context, nodeAddr string, artifact *packager.Artifact, timeout time.Duration) Outcome {
	defer c.release(artifact)

	start := time.Now()
	outcome := Outcome{Node: nodeAddr}

	f, err := os.Open(artifact.ArchivePath)
	if err != nil {
		outcome.Diagnostic = fmt.Sprintf("open archive: %v", err)
		outcome.Duration = time.Since(start)
		return outcome
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		outcome.Diagnostic = fmt.Sprintf("stat archive: %v", err)
		outcome.Duration = time.Since(start)
		return outcome
	}

	c.logger.Info("installing service", "address", nodeAddr, "archive", artifact.ArchivePath, "size", info.Size())

	status, body, err := c.do(ctx, http.MethodPost, nodeAddr, "/install-service", f, info.Size(), timeout)
	outcome.Duration = time.Since(start)
	outcome.StatusCode = status
	switch {
	case err != nil:
		outcome.Diagnostic = err.Error()
	case status != http.StatusOK:
		outcome.Diagnostic = diagnostic(status, body)
	default:
		outcome.Success = true
		outcome.ServiceID = strings.TrimSpace(body)
	}

	if outcome.Success {
		c.logger.Info("service installed", "address", nodeAddr, "service_id", outcome.ServiceID, "duration", outcome.Duration)
	} else {
		c.logger.Error("service install failed", "address", nodeAddr, "diagnostic", outcome.Diagnostic)
	}
	return outcome
}

// Deploy checks node health and, only if healthy, installs the artifact. The
// archive is removed on every path.
func (c *Client) Deploy(ctx context.Context, nodeAddr string, artifact *packager.Artifact) (Outcome, error) {
	if err := c.CheckHealth(ctx, nodeAddr, c.config.HealthTimeout); err != nil {
		c.release(artifact)
		return Outcome{Node: nodeAddr, Diagnostic: err.Error()}, err
	}

	outcome := c.Install(ctx, nodeAddr, artifact, c.config.InstallTimeout)
	if !outcome.Success {
		return outcome, harnesserr.Install(nodeAddr, outcome.Diagnostic)
	}
	return outcome, nil
}

// StopService stops an installed service
func (c *Client) StopService(ctx context.Context, nodeAddr, serviceID string) error {
	return c.serviceCommand(ctx, nodeAddr, "/stop-service", serviceID)
}

// StartService starts a stopped service
func (c *Client) StartService(ctx context.Context, nodeAddr, serviceID string) error {
	return c.serviceCommand(ctx, nodeAddr, "/start-service", serviceID)
}

func (c *Client) serviceCommand(ctx context.Context, nodeAddr, path, serviceID string) error {
	status, body, err := c.do(ctx, http.MethodPost, nodeAddr, path+"?id="+url.QueryEscape(serviceID), nil, -1, c.config.RequestTimeout)
	if err != nil {
		return fmt.Errorf("%s %s: %w", path, serviceID, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%s %s: %s", path, serviceID, diagnostic(status, body))
	}
	return nil
}

// Status returns the body of GET /get-status: either a plain message or the
// JSON list of installed service statuses
func (c *Client) Status(ctx context.Context, nodeAddr string) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, nodeAddr, "/get-status", nil, -1, c.config.RequestTimeout)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("get-status: %s", diagnostic(status, body))
	}
	return strings.TrimSpace(body), nil
}

// CheckServiceHealth queries the standard gRPC health service at grpcAddr and
// requires SERVING
func (c *Client) CheckServiceHealth(ctx context.Context, grpcAddr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return harnesserr.HealthCheck(grpcAddr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: c.config.GRPCHealthService,
	})
	if err != nil {
		return harnesserr.HealthCheck(grpcAddr, err).
			WithSuggestion(fmt.Sprintf("Verify the service is listening:\n  grpc_health_probe -addr=%s", grpcAddr))
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return harnesserr.HealthCheck(grpcAddr, fmt.Errorf("status %s", resp.GetStatus()))
	}
	return nil
}

// do performs one request with a dedicated client and reads the whole body.
// contentLength < 0 means unknown.
func (c *Client) do(ctx context.Context, method, nodeAddr, path string, body io.Reader, contentLength int64, timeout time.Duration) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, "http://"+nodeAddr+path, body)
	if err != nil {
		return 0, "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/zip")
		req.ContentLength = contentLength
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, string(data), nil
}

func (c *Client) release(artifact *packager.Artifact) {
	if err := artifact.Remove(); err != nil {
		c.logger.Warn("failed to remove archive", "archive", artifact.ArchivePath, "error", err)
	}
}

func diagnostic(status int, body string) string {
	return fmt.Sprintf("%d %s: %s", status, http.StatusText(status), strings.TrimSpace(body))
}
