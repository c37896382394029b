// Package comfy is a small client for the ComfyUI HTTP and WebSocket API:
// health, image upload, prompt submission, history, artifact retrieval and
// the completion watcher.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxArtifactBytes      = 256 << 20
	errorBodyTail         = 4096
)

// Client talks to a single ComfyUI instance.
type Client struct {
	base           *url.URL
	httpClient     *http.Client
	dialer         *websocket.Dialer
	requestTimeout time.Duration
	log            zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithRequestTimeout bounds each HTTP call that has no earlier deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a client for baseURL, e.g. http://127.0.0.1:8188.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse comfy url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("comfy url must be http or https, got %q", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("comfy url has no host: %q", baseURL)
	}
	c := &Client{
		base: u,
		// Timeout stays 0: every call carries a context deadline instead.
		httpClient:     &http.Client{Timeout: 0},
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		requestTimeout: defaultRequestTimeout,
		log:            zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the server root without a trailing slash.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < c.requestTimeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func (c *Client) do(ctx context.Context, op string, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyTail))
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// Health checks GET /system_stats for a 200.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/system_stats", nil), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, "health", req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Op: "health", Code: resp.StatusCode}
	}
	return nil
}

// UploadImage posts data as multipart field "image" under name. The name the
// server stored it under is returned; it may differ if the server renames.
func (c *Client) UploadImage(ctx context.Context, name string, data []byte) (Upload, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", name)
	if err != nil {
		return Upload{}, err
	}
	if _, err := fw.Write(data); err != nil {
		return Upload{}, err
	}
	_ = mw.WriteField("type", "input")
	_ = mw.WriteField("overwrite", "true")
	if err := mw.Close(); err != nil {
		return Upload{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload/image", nil), &body)
	if err != nil {
		return Upload{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(ctx, "upload", req)
	if err != nil {
		return Upload{}, err
	}
	defer resp.Body.Close()
	var up Upload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&up); err != nil || up.Name == "" {
		// Older servers reply with an empty body; the requested name stands.
		up = Upload{Name: name, Type: "input"}
	}
	c.log.Debug().Str("name", up.Name).Int("bytes", len(data)).Msg("comfy upload")
	return up, nil
}

// QueuePrompt submits a workflow graph and returns the prompt id.
func (c *Client) QueuePrompt(ctx context.Context, prompt any, clientID string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	b, err := json.Marshal(promptRequest{Prompt: prompt, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("marshal prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/prompt", nil), bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(ctx, "prompt", req)
	if err != nil {
		var se *StatusError
		if asStatus(err, &se) && se.Code == http.StatusBadRequest {
			return "", &PromptError{Body: se.Body}
		}
		return "", err
	}
	defer resp.Body.Close()
	var pr promptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("decode prompt response: %w", err)
	}
	if len(pr.NodeErrors) > 0 && string(pr.NodeErrors) != "{}" && string(pr.NodeErrors) != "null" {
		return "", &PromptError{Body: string(pr.NodeErrors)}
	}
	if pr.PromptID == "" {
		return "", fmt.Errorf("comfy returned no prompt_id")
	}
	return pr.PromptID, nil
}

// History returns the images produced by promptID, ordered by output node id.
func (c *Client) History(ctx context.Context, promptID string) ([]ArtifactRef, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/history/"+url.PathEscape(promptID), nil), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, "history", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var h map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	entry, ok := h[promptID]
	if !ok {
		return nil, ErrNoHistory
	}
	ids := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return nodeLess(ids[i], ids[j]) })
	var refs []ArtifactRef
	for _, id := range ids {
		for _, img := range entry.Outputs[id].Images {
			if img.Filename == "" {
				continue
			}
			img.NodeID = id
			refs = append(refs, img)
		}
	}
	return refs, nil
}

// View downloads one artifact and returns its bytes and declared content type.
func (c *Client) View(ctx context.Context, ref ArtifactRef) ([]byte, string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	typ := ref.Type
	if typ == "" {
		typ = "output"
	}
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", typ)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/view", q), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(ctx, "view", req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &TransportError{Op: "view", Err: err}
	}
	if len(b) > maxArtifactBytes {
		return nil, "", fmt.Errorf("artifact %s exceeds %d bytes", ref.Filename, maxArtifactBytes)
	}
	return b, resp.Header.Get("Content-Type"), nil
}

// nodeLess orders numeric node ids numerically, others lexically after them.
func nodeLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	default:
		return a < b
	}
}
