// Package gateway is the client side of the block store: it shapes HTTP
// requests, bounds them with timeouts and maps responses onto model errors.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"blockcollab/backend/internal/engine"
	"blockcollab/backend/internal/model"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultReadTimeout    = 30 * time.Second

	maxBody = 8 << 20
)

// TokenSource supplies the bearer token for each call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token. The empty token means no identity.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

type Options struct {
	BaseURL string
	Tokens  TokenSource

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// HTTPClient overrides the client built from the timeouts.
	HTTPClient *http.Client

	// Heartbeat is the interval of subscription keepalives. Default 20s.
	Heartbeat time.Duration
	// MaxBackoff caps the delay between subscription reconnects. Default 30s.
	MaxBackoff time.Duration
}

// Client implements engine.Gateway over the block store HTTP API.
type Client struct {
	base   *url.URL
	tokens TokenSource
	http   *http.Client
	dialer *websocket.Dialer

	heartbeat  time.Duration
	maxBackoff time.Duration
}

var _ engine.Gateway = (*Client)(nil)

func New(opt Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opt.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: base url must be http(s), got %q", model.ErrInvalidArgument, opt.BaseURL)
	}
	if opt.ConnectTimeout <= 0 {
		opt.ConnectTimeout = DefaultConnectTimeout
	}
	if opt.ReadTimeout <= 0 {
		opt.ReadTimeout = DefaultReadTimeout
	}
	if opt.Heartbeat <= 0 {
		opt.Heartbeat = 20 * time.Second
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 30 * time.Second
	}
	if opt.Tokens == nil {
		opt.Tokens = StaticToken("")
	}

	hc := opt.HTTPClient
	if hc == nil {
		dialer := &net.Dialer{Timeout: opt.ConnectTimeout, KeepAlive: 30 * time.Second}
		hc = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   opt.ConnectTimeout,
				ResponseHeaderTimeout: opt.ReadTimeout,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
			},
			// connect plus read bounds the whole exchange
			Timeout: opt.ConnectTimeout + opt.ReadTimeout,
		}
	}
	return &Client{
		base:   base,
		tokens: opt.Tokens,
		http:   hc,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opt.ConnectTimeout,
		},
		heartbeat:  opt.Heartbeat,
		maxBackoff: opt.MaxBackoff,
	}, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrNotAuthenticated, err)
	}
	if tok == "" {
		return "", model.ErrNotAuthenticated
	}
	return tok, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	segs := make([]string, 0, len(parts)+2)
	segs = append(segs, strings.TrimRight(u.Path, "/"), "v1", "documents")
	segs = append(segs, parts...)
	u.Path = strings.Join(segs, "/")
	return u.String()
}

// do issues one request. Identity is checked before any network activity.
func (c *Client) do(ctx context.Context, op, method, endpoint string, body any) ([]byte, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 300 {
		return nil, responseError(op, resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) GetDocument(ctx context.Context, docID string) (model.Document, error) {
	data, err := c.do(ctx, "get document", http.MethodGet, c.endpoint(docID), nil)
	if err != nil {
		return model.Document{}, err
	}
	return decodeDocument(data)
}

// CreateDocument registers a new document owned by the caller.
func (c *Client) CreateDocument(ctx context.Context, doc model.Document) (model.Document, error) {
	data, err := c.do(ctx, "create document", http.MethodPost, c.endpoint(), doc)
	if err != nil {
		return model.Document{}, err
	}
	return decodeDocument(data)
}

func (c *Client) UpdateDocument(ctx context.Context, fields model.DocumentFields) error {
	_, err := c.do(ctx, "update document", http.MethodPatch, c.endpoint(fields.DocID), fields)
	return err
}

// SetCollaborators replaces the collaborator list. Only the owner may call it.
func (c *Client) SetCollaborators(ctx context.Context, docID string, users []string) error {
	_, err := c.do(ctx, "set collaborators", http.MethodPut, c.endpoint(docID, "collaborators"),
		map[string][]string{"collaborators": users})
	return err
}

// ListBlocks fetches one snapshot without subscribing.
func (c *Client) ListBlocks(ctx context.Context, docID string) ([]model.Block, error) {
	data, err := c.do(ctx, "list blocks", http.MethodGet, c.endpoint(docID, "blocks"), nil)
	if err != nil {
		return nil, err
	}
	return decodeBlocks(data)
}

func (c *Client) CreateBlock(ctx context.Context, docID string, index int, kind, text string) (model.Block, error) {
	data, err := c.do(ctx, "create block", http.MethodPost, c.endpoint(docID, "blocks"),
		model.NewBlock{Index: index, Kind: kind, Text: text})
	if err != nil {
		return model.Block{}, err
	}
	return decodeBlock(data)
}

func (c *Client) UpdateBlock(ctx context.Context, upd model.BlockUpdate) (int64, error) {
	data, err := c.do(ctx, "update block", http.MethodPatch, c.endpoint(upd.DocID, "blocks", upd.BlockID), upd)
	if err != nil {
		return 0, err
	}
	var out struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("update block: decode: %w", err)
	}
	return out.Version, nil
}

func (c *Client) DeleteBlock(ctx context.Context, docID, blockID string) error {
	_, err := c.do(ctx, "delete block", http.MethodDelete, c.endpoint(docID, "blocks", blockID), nil)
	return err
}

func (c *Client) AcquireLock(ctx context.Context, docID, blockID string) (model.Lease, error) {
	return c.lease(ctx, "acquire lock", http.MethodPost, docID, blockID)
}

func (c *Client) RenewLock(ctx context.Context, docID, blockID string) (model.Lease, error) {
	return c.lease(ctx, "renew lock", http.MethodPut, docID, blockID)
}

func (c *Client) ReleaseLock(ctx context.Context, docID, blockID string) error {
	_, err := c.do(ctx, "release lock", http.MethodDelete, c.endpoint(docID, "blocks", blockID, "lock"), nil)
	return err
}

func (c *Client) lease(ctx context.Context, op, method, docID, blockID string) (model.Lease, error) {
	data, err := c.do(ctx, op, method, c.endpoint(docID, "blocks", blockID, "lock"), nil)
	if err != nil {
		return model.Lease{}, err
	}
	l, err := decodeLease(data)
	if err != nil {
		return model.Lease{}, fmt.Errorf("%s: %w", op, err)
	}
	l.DocID, l.BlockID = docID, blockID
	return l, nil
}

// Editors lists users with the document open.
func (c *Client) Editors(ctx context.Context, docID string) ([]string, error) {
	data, err := c.do(ctx, "list editors", http.MethodGet, c.endpoint(docID, "editors"), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Editors []struct {
			UserID string `json:"userId"`
		} `json:"editors"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("list editors: decode: %w", err)
	}
	users := make([]string, 0, len(out.Editors))
	for _, e := range out.Editors {
		users = append(users, e.UserID)
	}
	return users, nil
}

// TransportError is a call that did not produce a usable answer: network
// failure, timeout or a server-side error status. It matches
// model.ErrUnavailable.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{model.ErrUnavailable, e.Err} }

var codeErrors = map[string]error{}

func init() {
	for _, e := range []error{
		model.ErrLockConflict, model.ErrVersionConflict, model.ErrNotFound, model.ErrPermissionDenied,
		model.ErrNotAuthenticated, model.ErrInvalidArgument, model.ErrBusy,
	} {
		codeErrors[e.Error()] = e
	}
}

func responseError(op string, status int, body []byte) error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	kind, ok := codeErrors[payload.Code]
	if !ok {
		switch status {
		case http.StatusConflict:
			kind = model.ErrVersionConflict
		case http.StatusLocked:
			kind = model.ErrLockConflict
		case http.StatusNotFound:
			kind = model.ErrNotFound
		case http.StatusForbidden:
			kind = model.ErrPermissionDenied
		case http.StatusUnauthorized:
			kind = model.ErrNotAuthenticated
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			kind = model.ErrInvalidArgument
		}
	}
	if kind == nil {
		return &TransportError{Op: op, Status: status, Err: errors.New(msg)}
	}
	if errors.Is(kind, model.ErrBusy) {
		return &TransportError{Op: op, Status: status, Err: fmt.Errorf("%w: %s", kind, msg)}
	}
	return fmt.Errorf("%s: %w: %s", op, kind, msg)
}
