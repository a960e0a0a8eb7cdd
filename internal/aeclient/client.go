// Package aeclient talks to the attestation engine and the block service
// over HTTP.
//
// Engine routes, relative to the base URL:
//
//	GET  /{process}~process@1.0/compute/slot/{slot}    challenge record, X-HashPath header
//	GET  /{process}~process@1.0/schedule/slot/{slot}   raw message bytes
//	GET  /{process}~process@1.0/schedule?from=&to=     JSON array of base64 messages
//	POST /{process}~process@1.0/schedule               request a new challenge
package aeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/majorcontext/origin/internal/attest"
	"github.com/majorcontext/origin/internal/challenge"
	"github.com/majorcontext/origin/internal/hashing"
	"github.com/majorcontext/origin/internal/hashpath"
	"github.com/majorcontext/origin/internal/log"
)

// HashPathHeader carries the engine's claimed HashPath for a computed slot.
const HashPathHeader = "X-HashPath"

const (
	defaultTimeout = 30 * time.Second
	retryMin       = 200 * time.Millisecond
	retryMax       = 2 * time.Second

	// maxBodySize bounds responses read into memory.
	maxBodySize = 8 << 20
)

// ErrResponseTooLarge is returned when a response body exceeds the size the
// client reads into memory.
var ErrResponseTooLarge = errors.New("response too large")

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("engine returned %d", e.Code)
	}
	return fmt.Sprintf("engine returned %d: %s", e.Code, e.Body)
}

// Client is an attestation engine client. It implements challenge.Source,
// hashpath.MessageFetcher and hashpath.RangeFetcher.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRetries sets how many times transport errors and 5xx responses are
// retried. Defaults to 2.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = max(n, 0) }
}

// New creates a client for the engine at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		retries:    2,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) processURL(processID string, parts ...string) string {
	u := c.baseURL + "/" + url.PathEscape(processID) + "~process@1.0"
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

// recordResponse is the engine's JSON encoding of a computed challenge slot.
type recordResponse struct {
	Challenge     hashing.Digest   `json:"challenge"`
	WalletAddress string           `json:"wallet_address"`
	CodeHash      hashing.Digest   `json:"code_hash"`
	IssuedAt      int64            `json:"issued_at"`
	Slot          uint64           `json:"slot"`
	BlockHeight   uint64           `json:"block_height"`
	TEESignature  hashing.HexBytes `json:"tee_signature"`
	TEEReport     json.RawMessage  `json:"tee_report"`
}

func (r *recordResponse) record(processID string, hp hashing.Digest) *attest.ChallengeRecord {
	return &attest.ChallengeRecord{
		ProcessID:     processID,
		Slot:          r.Slot,
		Challenge:     r.Challenge,
		WalletAddress: r.WalletAddress,
		CodeHash:      r.CodeHash,
		IssuedAt:      r.IssuedAt,
		BlockHeight:   r.BlockHeight,
		TEESignature:  r.TEESignature,
		TEEReport:     teeReportBytes(r.TEEReport),
		HashPath:      hp,
	}
}

// teeReportBytes accepts the report either inline as a JSON object or as a
// JSON string holding the encoded report.
func teeReportBytes(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return []byte(raw)
}

// FetchChallengeRecord fetches the challenge record computed at slot. A 404
// returns challenge.ErrNotFound.
func (c *Client) FetchChallengeRecord(ctx context.Context, processID string, slot uint64) (*attest.ChallengeRecord, error) {
	u := c.processURL(processID, "compute", "slot", strconv.FormatUint(slot, 10))
	body, header, err := c.get(ctx, u)
	if err != nil {
		if isNotFound(err) {
			return nil, challenge.ErrNotFound
		}
		return nil, err
	}

	var resp recordResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding challenge record: %w", err)
	}
	hp, err := hashing.ParseDigest(header.Get(HashPathHeader))
	if err != nil {
		return nil, fmt.Errorf("decoding %s header: %w", HashPathHeader, err)
	}
	return resp.record(processID, hp), nil
}

// FetchMessage fetches the message scheduled at slot. A 404 returns
// hashpath.ErrSlotNotFound.
func (c *Client) FetchMessage(ctx context.Context, processID string, slot uint64) ([]byte, error) {
	u := c.processURL(processID, "schedule", "slot", strconv.FormatUint(slot, 10))
	body, _, err := c.get(ctx, u)
	if isNotFound(err) {
		return nil, hashpath.ErrSlotNotFound
	}
	return body, err
}

// FetchMessages fetches slots from..to inclusive in one request. The engine
// stops at the first missing slot, so the result may be short.
func (c *Client) FetchMessages(ctx context.Context, processID string, from, to uint64) ([][]byte, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	q.Set("to", strconv.FormatUint(to, 10))
	u := c.processURL(processID, "schedule") + "?" + q.Encode()

	body, _, err := c.get(ctx, u)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// []byte elements decode from base64 strings.
	var messages [][]byte
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, fmt.Errorf("decoding schedule range: %w", err)
	}
	if uint64(len(messages)) > to-from+1 {
		return nil, fmt.Errorf("engine returned %d messages for %d slots", len(messages), to-from+1)
	}
	return messages, nil
}

// ChallengeRequest asks the engine to issue a challenge for a device owner
// and program.
type ChallengeRequest struct {
	WalletAddress string         `json:"wallet_address"`
	CodeHash      hashing.Digest `json:"code_hash"`
}

// RequestChallenge asks the engine for a new challenge and returns the issued
// record. Requests are not retried since each one schedules a message.
func (c *Client) RequestChallenge(ctx context.Context, processID string, creq ChallengeRequest) (*attest.ChallengeRecord, error) {
	body, err := json.Marshal(creq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.processURL(processID, "schedule"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, header, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var resp recordResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding challenge record: %w", err)
	}

	var hp hashing.Digest
	if v := header.Get(HashPathHeader); v != "" {
		if hp, err = hashing.ParseDigest(v); err != nil {
			return nil, fmt.Errorf("decoding %s header: %w", HashPathHeader, err)
		}
	}
	return resp.record(processID, hp), nil
}

// get performs a GET, retrying transport errors and 5xx responses with
// exponential backoff.
func (c *Client) get(ctx context.Context, u string) ([]byte, http.Header, error) {
	delay := retryMin
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, nil, err
		}
		body, header, err := c.do(req)
		if err == nil || attempt >= c.retries || !retryable(err) || ctx.Err() != nil {
			return body, header, err
		}

		log.Debug("engine request failed, retrying", "url", u, "error", err, "retry_in", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, retryMax)
	}
}

func (c *Client) do(req *http.Request) ([]byte, http.Header, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to engine: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrResponseTooLarge, req.URL.Path, maxBodySize)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, nil, &StatusError{Code: resp.StatusCode, Body: snippet(body)}
	}
	return body, resp.Header, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	if errors.Is(err, ErrResponseTooLarge) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
