package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/parleychat/parley-sdk-go/parley"
)

// Session is the slice of the client session the request layer needs.
type Session interface {
	AccessToken() string
	RefreshToken() string
	SetTokens(ctx context.Context, access, refresh string)
	SetError(msg string)
	Logout(ctx context.Context)
}

// Client performs authenticated calls against the chat HTTP API.
//
// Failures are written to the session's error slot and returned as
// *parley.Error; callers detect failure by the error, not by panics.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    Session
	refresher  *Refresher
	logger     parley.Logger
}

// NewClient creates a client for cfg.APIURL with cfg.RequestTimeout.
func NewClient(cfg parley.Config, sess Session) *Client {
	hc := &http.Client{Timeout: cfg.RequestTimeout}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		httpClient: hc,
		session:    sess,
		logger:     parley.NopLogger(),
	}
	c.refresher = newRefresher(c.baseURL, hc, sess)
	return c
}

// SetLogger overrides logger (optional).
func (c *Client) SetLogger(l parley.Logger) {
	if l == nil {
		return
	}
	c.logger = l
	c.refresher.logger = l
}

// Refresher returns the token refresh manager used on 401.
func (c *Client) Refresher() *Refresher { return c.refresher }

// Do sends req and returns the raw JSON body of a 2xx response.
//
// On 401 with a refresh token available and NoRefreshRetry unset, the token
// is refreshed and req is replayed once with NoRefreshRetry set. The replay
// re-sends writes as-is. If the refresh fails the session is logged out and
// ErrorSessionExpired is returned.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		c.session.SetError("Unexpected error: " + err.Error())
		return nil, parley.WrapError(parley.ErrorSerialization, "build request", err)
	}
	status, body, err := c.roundTrip(httpReq)
	if err != nil {
		c.session.SetError("Connection error: " + err.Error())
		code := parley.ErrorConnection
		if isTimeout(err) {
			code = parley.ErrorTimeout
		}
		return nil, parley.WrapError(code, "request failed", err)
	}

	if status == http.StatusUnauthorized && !req.NoRefreshRetry && c.session.RefreshToken() != "" {
		c.logger.Info("access token rejected, refreshing", map[string]any{"path": req.Path})
		if c.refresher.Refresh(ctx) {
			replay := req
			replay.NoRefreshRetry = true
			return c.Do(ctx, replay)
		}
		c.logger.Warn("token refresh failed, logging out", map[string]any{"path": req.Path})
		c.session.Logout(ctx)
		return nil, parley.NewError(parley.ErrorSessionExpired, "session expired")
	}

	if status < 200 || status >= 300 {
		detail := errorDetail(body)
		c.session.SetError("Error: " + detail)
		code := parley.ErrorServer
		if status == http.StatusUnauthorized {
			code = parley.ErrorUnauthorized
		}
		return nil, &parley.Error{Code: code, Message: detail, Status: status}
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		err := fmt.Errorf("invalid JSON in %s %s response", req.Method, req.Path)
		c.session.SetError("Unexpected error: " + err.Error())
		return nil, parley.WrapError(parley.ErrorSerialization, "decode response", err)
	}
	return json.RawMessage(body), nil
}

// roundTrip performs one HTTP exchange. err is non-nil only when no
// response was received.
func (c *Client) roundTrip(httpReq *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var (
		body        io.Reader = http.NoBody
		contentType string
	)
	switch {
	case req.File != nil:
		buf, ct, err := encodeMultipart(req.Form, req.File)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body, contentType = bytes.NewReader(data), "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if tok := c.session.AccessToken(); tok != "" {
		httpReq.Header.Set("Authorization", "Bearer "+tok)
	}
	return httpReq, nil
}

// isTimeout reports whether err is the client timeout or a context deadline.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeMultipart(fields map[string]string, f *File) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write form field: %w", err)
		}
	}

	field := f.Field
	if field == "" {
		field = "file"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(f.Filename)))
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// errorDetail extracts the server's detail message, falling back to the
// raw body text.
func errorDetail(body []byte) string {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && len(errResp.Detail) > 0 {
		var s string
		if err := json.Unmarshal(errResp.Detail, &s); err == nil {
			return s
		}
		if string(errResp.Detail) != "null" {
			return string(errResp.Detail)
		}
	}
	return string(body)
}
