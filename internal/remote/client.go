// Package remote is the typed client for the sync endpoints of the remote server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 32 << 20
)

// TokenSource provides the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken is a fixed token. An empty value yields ErrNoToken.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// Client communicates with the remote sync API under <origin>/api.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// NewClient creates a client for origin. A zero timeout uses the default.
func NewClient(origin string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(origin, "/") + "/api",
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HasToken reports whether the token source currently yields a token.
func (c *Client) HasToken(ctx context.Context) bool {
	tok, err := c.tokens.Token(ctx)
	return err == nil && tok != ""
}

// FetchCategory downloads one reference category and returns its rows.
func (c *Client) FetchCategory(ctx context.Context, cat Category) ([]json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, cat.Path, nil)
	if err != nil {
		return nil, err
	}
	raw, ok := body[cat.Field]
	if !ok {
		return nil, fmt.Errorf("%s: missing %q: %w", cat.Path, cat.Field, ErrMalformed)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil || rows == nil {
		return nil, fmt.Errorf("%s: %q is not an array: %w", cat.Path, cat.Field, ErrMalformed)
	}
	return rows, nil
}

// SendEntry posts one queue entry to path.
func (c *Client) SendEntry(ctx context.Context, path string, entry any) (Ack, error) {
	body, err := c.do(ctx, http.MethodPost, path, entry)
	if err != nil {
		return Ack{}, err
	}
	return ackFrom(body), nil
}

// SendRoutes posts the route pings as one batch.
func (c *Client) SendRoutes(ctx context.Context, routes any) (Ack, error) {
	body, err := c.do(ctx, http.MethodPost, PathRoutes, routesRequest{Routes: routes})
	if err != nil {
		return Ack{}, err
	}
	return ackFrom(body), nil
}

// RegisterSync reports a completed sync phase.
func (c *Client) RegisterSync(ctx context.Context, kind string, at time.Time, device string) error {
	_, err := c.do(ctx, http.MethodPost, pathRegister, registerRequest{Kind: kind, Timestamp: wireTime(at), Device: device})
	return err
}

// ForcedFlags reads the forced-sync flags.
func (c *Client) ForcedFlags(ctx context.Context) (Forced, error) {
	body, err := c.do(ctx, http.MethodGet, pathForced, nil)
	if err != nil {
		return Forced{}, err
	}
	var f Forced
	if v, ok := body["forcarDownload"]; ok {
		json.Unmarshal(v, &f.Download)
	}
	if v, ok := body["forcarUpload"]; ok {
		json.Unmarshal(v, &f.Upload)
	}
	return f, nil
}

// ClearForced clears one forced-sync flag.
func (c *Client) ClearForced(ctx context.Context, kind string) error {
	_, err := c.do(ctx, http.MethodPost, pathClear, clearRequest{Kind: kind})
	return err
}

// ValidateTime asks the server whether at is acceptable for operation.
func (c *Client) ValidateTime(ctx context.Context, operation string, at time.Time) (Verdict, error) {
	body, err := c.do(ctx, http.MethodPost, pathValidate, validateRequest{Operation: operation, Timestamp: wireTime(at)})
	var rej *RejectedError
	if errors.As(err, &rej) && len(rej.Body) > 0 {
		// A refusal carries valido:false next to ok:false.
		var v struct {
			Valid *bool `json:"valido"`
		}
		if json.Unmarshal(rej.Body, &v) == nil && v.Valid != nil && !*v.Valid {
			return Verdict{OK: false, Valid: false}, nil
		}
	}
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{OK: true, Valid: true}
	if raw, ok := body["valido"]; ok {
		if err := json.Unmarshal(raw, &v.Valid); err != nil {
			return Verdict{}, fmt.Errorf("%s: valido: %w", pathValidate, ErrMalformed)
		}
	}
	return v, nil
}

func ackFrom(body map[string]json.RawMessage) Ack {
	var a Ack
	if m, ok := body["message"]; ok {
		json.Unmarshal(m, &a.Message)
	}
	a.Raw, _ = json.Marshal(body)
	return a
}

// do sends one request and returns the decoded object of a response carrying
// ok:true.
func (c *Client) do(ctx context.Context, method, path string, payload any) (map[string]json.RawMessage, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrNoToken
	}

	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, token, payload != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %v", method, path, ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading body: %w: %v", method, path, ErrUnreachable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s %s: HTTP %d: %w", method, path, resp.StatusCode, ErrUnauthorized)
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%s %s: HTTP %d: %w", method, path, resp.StatusCode, ErrUnreachable)
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &RejectedError{Status: resp.StatusCode, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
		}
		return nil, fmt.Errorf("%s %s: %w: %v", method, path, ErrMalformed, err)
	}

	if isOfflineAnswer(body) {
		return nil, fmt.Errorf("%s %s: offline answer: %w", method, path, ErrUnreachable)
	}

	okRaw, present := body["ok"]
	var ok bool
	if present {
		json.Unmarshal(okRaw, &ok)
	}
	if ok && resp.StatusCode < 300 {
		return body, nil
	}
	if !present && resp.StatusCode < 300 {
		return nil, fmt.Errorf("%s %s: missing ok: %w", method, path, ErrMalformed)
	}

	rej := &RejectedError{Status: resp.StatusCode, Body: raw}
	if m, found := body["message"]; found {
		json.Unmarshal(m, &rej.Message)
	}
	if rej.Message == "" {
		if e, found := body["error"]; found {
			json.Unmarshal(e, &rej.Message)
		}
	}
	return nil, rej
}

func isOfflineAnswer(body map[string]json.RawMessage) bool {
	v, found := body["offline"]
	if !found {
		return false
	}
	var offline bool
	json.Unmarshal(v, &offline)
	return offline
}

func (c *Client) setHeaders(req *http.Request, token string, hasBody bool) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
}

// IsConnectivity reports whether err is a transport-level failure.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
