package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var (
	// ErrRemoteUnreachable means the request never got an HTTP response.
	ErrRemoteUnreachable = errors.New("remote unreachable")
	// ErrRemoteRejected means the backend answered but refused the call.
	ErrRemoteRejected = errors.New("remote rejected")
	// ErrMalformedResponse means a save answer could not be decoded.
	ErrMalformedResponse = errors.New("malformed remote response")
)

// RejectedError carries the backend's own message for a refused save.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return ErrRemoteRejected.Error()
	}
	return ErrRemoteRejected.Error() + ": " + e.Message
}

func (e *RejectedError) Unwrap() error { return ErrRemoteRejected }

// Options configures the backend client.
type Options struct {
	URL           string
	Timeout       time.Duration
	RatePerMinute int
}

// Client talks to the spreadsheet backend. Every call is a multipart form
// POST with an action field.
type Client struct {
	url      string
	http     *resty.Client
	throttle *Throttle
	log      *zap.Logger
}

// New builds a client. Saves are never retried by the transport.
func New(opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	rc := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	return &Client{
		url:      opts.URL,
		http:     rc,
		throttle: NewThrottle(opts.RatePerMinute),
		log:      log,
	}
}

type saveResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Save submits one record. It returns nil only when the backend accepted it:
// an empty body, or a body with neither success:false nor an error.
func (c *Client) Save(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	body, err := c.post(ctx, "save", map[string]string{"record": string(payload)})
	if err != nil {
		return err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	var out saveResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if out.Success != nil && !*out.Success {
		msg := out.Message
		if msg == "" {
			msg = out.Error
		}
		return &RejectedError{Message: msg}
	}
	if out.Error != "" {
		return &RejectedError{Message: out.Error}
	}
	return nil
}

type searchResponse struct {
	Found   bool     `json:"found"`
	Records []Record `json:"records"`
}

// Search asks the backend for the records of one identity. An undecodable
// answer is treated as "not found".
func (c *Client) Search(ctx context.Context, name, dob, school string) ([]Record, error) {
	body, err := c.post(ctx, "search", map[string]string{
		"completeName": name,
		"dob":          dob,
		"school":       school,
	})
	if err != nil {
		return nil, err
	}
	var out searchResponse
	if err := decode(body, &out); err != nil {
		c.log.Warn("search response not understood", zap.Error(err), zap.Int("bytes", len(body)))
		return nil, nil
	}
	if !out.Found {
		return nil, nil
	}
	return out.Records, nil
}

// GetAll fetches every row of the backend. An undecodable answer yields an
// empty result.
func (c *Client) GetAll(ctx context.Context) ([]Record, error) {
	body, err := c.post(ctx, "getAll", nil)
	if err != nil {
		return nil, err
	}
	recs, err := decodeRecords(body)
	if err != nil {
		c.log.Warn("getAll response not understood", zap.Error(err), zap.Int("bytes", len(body)))
		return nil, nil
	}
	return recs, nil
}

// Probe reports whether the backend answers HTTP at all.
func (c *Client) Probe(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get(c.url)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteUnreachable, err)
	}
	c.log.Debug("remote probe", zap.Int("status", resp.StatusCode()))
	return nil
}

func (c *Client) post(ctx context.Context, action string, fields map[string]string) ([]byte, error) {
	if err := c.throttle.Wait(ctx, action); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteUnreachable, err)
	}
	form := map[string]string{"action": action}
	for k, v := range fields {
		form[k] = v
	}
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartFormData(form).
		Post(c.url)
	if err != nil {
		c.log.Warn("remote call failed", zap.String("action", action), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", ErrRemoteUnreachable, action, err)
	}
	c.log.Debug("remote call",
		zap.String("action", action),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("took", time.Since(start)),
	)
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: %s: status %d", ErrRemoteRejected, action, resp.StatusCode())
	}
	return resp.Body(), nil
}

func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

// decodeRecords accepts a bare array or an object wrapping it in "records"
// or "data".
func decodeRecords(body []byte) ([]Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var recs []Record
		err := decode(body, &recs)
		return recs, err
	}
	var wrapped struct {
		Records []Record `json:"records"`
		Data    []Record `json:"data"`
	}
	if err := decode(body, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Records != nil {
		return wrapped.Records, nil
	}
	return wrapped.Data, nil
}
