/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package misp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravwell/jsonparser"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = time.Minute
	maxErrorBody          = 4 * 1024
)

// Client is a thin HTTP wrapper over one MISP instance. Every request
// carries the instance API key and is rate limited; transport failures and
// 5xx responses are retried with exponential backoff.
type Client struct {
	name       string
	baseURL    string
	key        string
	hc         *http.Client
	lim        *rate.Limiter
	maxRetries uint64
}

// NewClient builds a client for the given instance. The underlying
// http.Client is configured per instance (timeout, TLS verification).
func NewClient(cfg InstanceConfig) *Client {
	to := cfg.Timeout
	if to <= 0 {
		to = defaultRequestTimeout
	}
	tr := http.DefaultTransport
	if cfg.InsecureSkipTLSVerify {
		tr = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	rl := cfg.RateLimit
	if rl <= 0 {
		rl = 120
	}
	return &Client{
		name:    cfg.Name,
		baseURL: cfg.URL,
		key:     cfg.APIKey,
		hc: &http.Client{
			Timeout:   to,
			Transport: tr,
		},
		lim:        rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl)), rl),
		maxRetries: uint64(cfg.MaxRetries),
	}
}

func (c *Client) Name() string {
	return c.name
}

// do issues one request with auth headers, retrying transport errors and
// 5xx responses. The returned response may still carry a non-2xx status,
// callers decide how to surface it.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (resp *http.Response, err error) {
	if err = c.lim.Wait(ctx); err != nil {
		return
	}
	op := func() error {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, lerr := http.NewRequestWithContext(ctx, method, c.baseURL+`/`+path, rdr)
		if lerr != nil {
			return backoff.Permanent(lerr)
		}
		req.Header.Set(`Authorization`, c.key)
		req.Header.Set(`Accept`, `application/json`)
		if body != nil {
			req.Header.Set(`Content-Type`, `application/json`)
		}
		r, lerr := c.hc.Do(req)
		if lerr != nil {
			return lerr
		}
		if r.StatusCode >= 500 {
			// server side failure, worth a retry
			snippet := readSnippet(r.Body)
			r.Body.Close()
			return &FetchError{Op: method + ` ` + path, StatusCode: r.StatusCode, Body: snippet}
		}
		resp = r
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err = backoff.Retry(op, bo); err != nil {
		if _, ok := err.(*FetchError); !ok {
			err = &FetchError{Op: method + ` ` + path, Body: err.Error()}
		}
	}
	return
}

// doJSON issues a request and returns the full response body, converting
// any non-2xx status into a FetchError.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody interface{}) ([]byte, error) {
	var body []byte
	if reqBody != nil {
		var err error
		if body, err = json.Marshal(reqBody); err != nil {
			return nil, err
		}
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Op: method + ` ` + path, Body: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return rb, &FetchError{Op: method + ` ` + path, StatusCode: resp.StatusCode, Body: snippet(rb)}
	}
	return rb, nil
}

// EventIndex returns the headers of events published after the given
// timestamp, tagged with this instance as their source.
func (c *Client) EventIndex(ctx context.Context, sinceSec int64) ([]EventSummary, int, error) {
	body, err := c.doJSON(ctx, http.MethodPost, `events/index`, map[string]int64{
		`searchpublish_timestamp`: sinceSec,
	})
	if err != nil {
		return nil, 0, err
	}
	evs, raw, err := ParseEventIndex(body)
	if err != nil {
		return nil, raw, err
	}
	for i := range evs {
		evs[i].Source = c.name
	}
	return evs, raw, nil
}

// SearchAttributes returns the attributes of one event updated after the
// given timestamp; pass zero for the full set.
func (c *Client) SearchAttributes(ctx context.Context, eventID string, sinceSec int64) ([]Attribute, int, error) {
	if sinceSec < 0 {
		sinceSec = 0
	}
	req := map[string]interface{}{
		`request`: map[string]interface{}{
			`timestamp`: sinceSec,
			`eventid`:   eventID,
		},
	}
	body, err := c.doJSON(ctx, http.MethodPost, `attributes/restSearch/json`, req)
	if err != nil {
		return nil, 0, err
	}
	return ParseAttributeSearch(body)
}

// EventPayload is the body of an event creation request.
type EventPayload struct {
	Distribution  int               `json:"distribution"`
	ThreatLevelID int               `json:"threat_level_id"`
	Analysis      int               `json:"analysis"`
	Info          string            `json:"info"`
	Date          string            `json:"date"`
	Published     bool              `json:"published"`
	Attributes    []ExportAttribute `json:"Attribute"`
}

// ExportAttribute is one attribute in the MISP export shape.
type ExportAttribute struct {
	Category string `json:"category"`
	Type     string `json:"type"`
	Value    string `json:"value"`
	Comment  string `json:"comment,omitempty"`
}

// CreateEventResult carries the new event id and the set of submitted
// attribute indexes MISP rejected.
type CreateEventResult struct {
	EventID       string
	FailedIndexes map[int]bool
}

// CreateEvent creates a new remote event carrying the given inline
// attributes.
func (c *Client) CreateEvent(ctx context.Context, ev EventPayload) (*CreateEventResult, error) {
	body, err := c.doJSON(ctx, http.MethodPost, `events`, map[string]EventPayload{`Event`: ev})
	if err != nil {
		return nil, err
	}
	id, perr := getFlexString(body, `Event`, `id`)
	if perr != nil {
		return nil, &ParseError{What: `created event id`, Err: perr}
	}
	return &CreateEventResult{
		EventID:       id,
		FailedIndexes: parseAttributeErrors(body),
	}, nil
}

// parseAttributeErrors reads the errors.Attribute map of a create-event
// response. The map is keyed by decimal submission index; any other shape
// means no errors were recorded.
func parseAttributeErrors(body []byte) map[int]bool {
	failed := map[int]bool{}
	err := jsonparser.ObjectEach(body, func(key, v []byte, dt jsonparser.ValueType, off int) error {
		idx, cerr := strconv.Atoi(string(key))
		if cerr != nil {
			return cerr
		}
		failed[idx] = true
		return nil
	}, `errors`, `Attribute`)
	if err != nil {
		return map[int]bool{}
	}
	return failed
}

// AddAttribute submits one attribute to an existing event.
func (c *Client) AddAttribute(ctx context.Context, eventID string, attr ExportAttribute) error {
	_, err := c.doJSON(ctx, http.MethodPost, `attributes/add/`+eventID, attr)
	return err
}

// UploadSampleRequest is the payload of events/upload_sample.
type UploadSampleRequest struct {
	Request UploadSampleBody `json:"request"`
}

type UploadSampleBody struct {
	EventID  int                `json:"event_id"`
	Category string             `json:"category"`
	Type     string             `json:"type"`
	Comment  string             `json:"comment"`
	Files    []UploadSampleFile `json:"files"`
}

type UploadSampleFile struct {
	Filename string `json:"filename"`
	Data     string `json:"data"` // base64
}

// UploadSample submits a binary sample to an existing event.
func (c *Client) UploadSample(ctx context.Context, req UploadSampleRequest) error {
	_, err := c.doJSON(ctx, http.MethodPost, `events/upload_sample`, req)
	return err
}

// DownloadAttribute streams the binary payload of an attribute. The caller
// owns the response body.
func (c *Client) DownloadAttribute(ctx context.Context, id string) (*http.Response, error) {
	resp, err := c.do(ctx, http.MethodGet, `attributes/download/`+id, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sn := readSnippet(resp.Body)
		resp.Body.Close()
		return nil, &FetchError{Op: `GET attributes/download/` + id, StatusCode: resp.StatusCode, Body: sn}
	}
	return resp, nil
}

// ExportMessage assembles the best effort error message of a MISP export
// rejection: "<message> <error>" when both are present, either alone, or a
// status and body fallback.
func ExportMessage(ferr *FetchError) string {
	msg, merr := jsonparser.GetString([]byte(ferr.Body), `message`)
	errs, _, _, eerr := jsonparser.Get([]byte(ferr.Body), `errors`)
	switch {
	case merr == nil && eerr == nil:
		return msg + ` ` + string(errs)
	case merr == nil:
		return msg
	case eerr == nil:
		return string(errs)
	}
	return fmt.Sprintf("unexpected response (HTTP %d): %s", ferr.StatusCode, ferr.Body)
}

func snippet(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return string(b)
}
