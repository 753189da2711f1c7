// Package api is the client for the remote collaborator's REST surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/4xmen/messagehub/internal/models"
)

// Error is a non-2xx response from the collaborator.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed: status %d", e.Status)
	}
	return fmt.Sprintf("request failed: status %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an *Error with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Attachment is a file sent as a multipart part.
type Attachment struct {
	Name string
	Body io.Reader
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) { c.http = hc }
}

type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *fasthttp.Client
}

// New returns a client for baseURL, e.g. "https://hub.example.com/api".
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: 15 * time.Second,
		http: &fasthttp.Client{
			Name:                "messagehub",
			MaxIdleConnDuration: time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Users lists every account known to the collaborator.
func (c *Client) Users(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := c.do(ctx, fasthttp.MethodGet, "/auth/users", "", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Conversation returns the history with peerID, oldest first.
func (c *Client) Conversation(ctx context.Context, peerID string) ([]models.Message, error) {
	var msgs []models.Message
	if err := c.do(ctx, fasthttp.MethodGet, "/messages/"+url.PathEscape(peerID), "", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) SendText(ctx context.Context, receiverID, content string) (*models.Message, error) {
	body, err := json.Marshal(map[string]string{"receiverId": receiverID, "content": content})
	if err != nil {
		return nil, err
	}
	var msg models.Message
	if err := c.do(ctx, fasthttp.MethodPost, "/messages", "application/json", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) SendAudio(ctx context.Context, receiverID string, audio Attachment) (*models.Message, error) {
	return c.upload(ctx, "/messages/audio", "audio", receiverID, audio)
}

func (c *Client) SendMedia(ctx context.Context, receiverID string, media Attachment) (*models.Message, error) {
	return c.upload(ctx, "/messages/media", "media", receiverID, media)
}

func (c *Client) upload(ctx context.Context, path, field, receiverID string, file Attachment) (*models.Message, error) {
	if file.Body == nil {
		return nil, fmt.Errorf("api: %s attachment has no body", field)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("receiverId", receiverID); err != nil {
		return nil, err
	}
	name := file.Name
	if name == "" {
		name = field
	}
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file.Body); err != nil {
		return nil, fmt.Errorf("api: read %s: %w", field, err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var msg models.Message
	if err := c.do(ctx, fasthttp.MethodPost, path, w.FormDataContentType(), buf.Bytes(), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// do runs one request. fasthttp has no context support, so ctx contributes
// its deadline and is checked before the request starts.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.SetContentType(contentType)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("request failed: %s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		apiErr := &Error{Status: status}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp.Body(), &payload) == nil {
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("api: decode %s response: %w", path, err)
	}
	return nil
}
