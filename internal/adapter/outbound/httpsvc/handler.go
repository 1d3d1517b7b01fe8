// Package httpsvc implements the generic HTTP service handler: it
// executes YAML-defined tool requests against a downstream HTTP service.
// Adding a new service or tool requires only configuration, no code.
package httpsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/agentpass/agentpass/internal/config"
	"github.com/agentpass/agentpass/internal/domain/registry"
	"github.com/agentpass/agentpass/internal/domain/request"
	"github.com/agentpass/agentpass/internal/service"
)

// healthTimeout bounds the health probe independently of the service's
// dispatch timeout.
const healthTimeout = 5 * time.Second

// maxResponseBytes caps response bodies read into memory.
const maxResponseBytes = 10 << 20

// placeholderPattern matches {arg_name} references in path templates.
var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

func init() {
	service.Register("http", New)
}

// Handler executes tool requests against one HTTP service.
type Handler struct {
	name    string
	cfg     config.ServiceConfig
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

var _ service.Handler = (*Handler)(nil)

// New builds the handler for one configured service.
func New(name string, cfg config.ServiceConfig, _ []*registry.Tool, logger *slog.Logger) (service.Handler, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http handler requires a url")
	}
	return &Handler{
		name:    name,
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client:  &http.Client{Timeout: cfg.TimeoutDuration()},
		logger:  logger.With("component", "httpsvc", "service", name),
	}, nil
}

// Execute builds and sends the HTTP request declared by the tool, then
// shapes the response.
func (h *Handler) Execute(ctx context.Context, tool *registry.Tool, args map[string]string) (json.RawMessage, error) {
	req, err := h.buildRequest(ctx, tool, args)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, request.NewExecError(request.ExecConnection,
			fmt.Sprintf("service %s unreachable", h.name), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, request.NewExecError(request.ExecConnection,
			fmt.Sprintf("failed to read response from service %s", h.name), err)
	}

	if err := h.checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return h.shapeResponse(tool, body)
}

// buildRequest interpolates the path template, attaches auth, and
// serializes the body for non-GET methods.
func (h *Handler) buildRequest(ctx context.Context, tool *registry.Tool, args map[string]string) (*http.Request, error) {
	pathArgs := make(map[string]bool)
	path := placeholderPattern.ReplaceAllStringFunc(tool.Request.Path, func(ref string) string {
		key := ref[1 : len(ref)-1]
		pathArgs[key] = true
		return url.PathEscape(args[key])
	})

	var bodyReader io.Reader
	method := strings.ToUpper(tool.Request.Method)
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		body := h.buildBody(tool, args, pathArgs)
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, request.NewExecError(request.ExecProtocol, "failed to encode request body", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, bodyReader)
	if err != nil {
		return nil, request.NewExecError(request.ExecProtocol, "failed to build request", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	h.attachAuth(req)
	return req, nil
}

// buildBody collects the JSON body: all args minus body_exclude and
// path-bound args.
func (h *Handler) buildBody(tool *registry.Tool, args map[string]string, pathArgs map[string]bool) map[string]string {
	excluded := make(map[string]bool, len(tool.Request.BodyExclude))
	for _, name := range tool.Request.BodyExclude {
		excluded[name] = true
	}

	body := make(map[string]string)
	for key, value := range args {
		if excluded[key] || pathArgs[key] {
			continue
		}
		body[key] = value
	}
	return body
}

// attachAuth applies the service's credential scheme to a request.
func (h *Handler) attachAuth(req *http.Request) {
	switch h.cfg.Auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+h.cfg.Auth.Token)
	case "header":
		req.Header.Set(h.cfg.Auth.Header, h.cfg.Auth.Token)
	case "query":
		q := req.URL.Query()
		q.Set(h.cfg.Auth.Param, h.cfg.Auth.Token)
		req.URL.RawQuery = q.Encode()
	case "basic":
		req.SetBasicAuth(h.cfg.Auth.Username, h.cfg.Auth.Password)
	}
}

// checkStatus maps non-2xx statuses onto execution failures, consulting
// the service's error mappings first.
func (h *Handler) checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	if tmpl, ok := h.cfg.Errors[fmt.Sprintf("%d", status)]; ok {
		msg := strings.NewReplacer(
			"{status}", fmt.Sprintf("%d", status),
			"{body}", string(body),
		).Replace(tmpl)
		return request.NewExecError(execKindForStatus(status), msg, nil)
	}

	switch status {
	case http.StatusUnauthorized:
		return request.NewExecError(request.ExecAuth, "service authentication failed", nil)
	case http.StatusNotFound:
		return request.NewExecError(request.ExecNotFound, "resource not found", nil)
	default:
		return request.NewExecError(execKindForStatus(status),
			fmt.Sprintf("API error %d: %s", status, truncate(string(body), 512)), nil)
	}
}

func execKindForStatus(status int) request.ExecKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return request.ExecAuth
	case http.StatusNotFound:
		return request.ExecNotFound
	default:
		return request.ExecOther
	}
}

// shapeResponse parses the body and applies the tool's wrap key.
func (h *Handler) shapeResponse(tool *registry.Tool, body []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("null")
	}
	if !json.Valid(body) {
		return nil, request.NewExecError(request.ExecProtocol,
			fmt.Sprintf("service %s returned a non-JSON response", h.name), nil)
	}

	if tool.Response.Wrap == "" {
		return json.RawMessage(body), nil
	}

	wrapped, err := json.Marshal(map[string]json.RawMessage{tool.Response.Wrap: body})
	if err != nil {
		return nil, request.NewExecError(request.ExecProtocol, "failed to wrap response", err)
	}
	return wrapped, nil
}

// HealthCheck probes the configured health endpoint.
func (h *Handler) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(h.cfg.Health.Method),
		h.baseURL+h.cfg.Health.Path, nil)
	if err != nil {
		return err
	}
	h.attachAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != h.cfg.Health.ExpectedStatus {
		return fmt.Errorf("health probe returned %d (want %d)", resp.StatusCode, h.cfg.Health.ExpectedStatus)
	}
	return nil
}

// Close releases idle connections.
func (h *Handler) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
