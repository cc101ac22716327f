package couchdb

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

	"github.com/cenkalti/backoff/v4"
)

var ErrNotFound = errors.New("document not found")

type HTTPError struct {
	StatusCode int
	Code       string
	Reason     string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("couchdb http %d %s: %s", e.StatusCode, e.Code, e.Reason)
	}
	return fmt.Sprintf("couchdb http %d: %s", e.StatusCode, e.Reason)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type Options struct {
	URL        string
	Database   string
	Username   string
	Password   string
	HTTPClient *http.Client
}

type DatabaseInfo struct {
	DBName    string          `json:"db_name"`
	DocCount  int64           `json:"doc_count"`
	UpdateSeq json.RawMessage `json:"update_seq"`
}

type Client struct {
	baseURL    string
	database   string
	username   string
	password   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.URL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("couchdb url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid couchdb url: %w", err)
	}
	database := strings.TrimSpace(opts.Database)
	if database == "" {
		return nil, fmt.Errorf("couchdb database is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    baseURL,
		database:   database,
		username:   opts.Username,
		password:   opts.Password,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}, nil
}

func (c *Client) Info(ctx context.Context) (DatabaseInfo, error) {
	var out DatabaseInfo
	err := c.doJSON(ctx, http.MethodGet, "/"+url.PathEscape(c.database), nil, &out)
	return out, err
}

// AllDocIDs lists every document id in one request.
func (c *Client) AllDocIDs(ctx context.Context) ([]string, error) {
	var out struct {
		Rows []struct {
			ID string `json:"id"`
		} `json:"rows"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.dbPath("_all_docs"), nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Rows))
	for _, row := range out.Rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

func (c *Client) Get(ctx context.Context, id string, out any) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("document id is required")
	}
	return c.doJSON(ctx, http.MethodGet, c.docPath(id), nil, out)
}

// GetMany fetches several documents in a single request. Ids that do not
// exist are missing from the result.
func (c *Client) GetMany(ctx context.Context, ids []string) (map[string]json.RawMessage, error) {
	result := map[string]json.RawMessage{}
	if len(ids) == 0 {
		return result, nil
	}
	var out struct {
		Rows []struct {
			Key   string          `json:"key"`
			Error string          `json:"error"`
			Doc   json.RawMessage `json:"doc"`
		} `json:"rows"`
	}
	body := map[string]any{"keys": ids}
	if err := c.doJSON(ctx, http.MethodPost, c.dbPath("_all_docs")+"?include_docs=true", body, &out); err != nil {
		return nil, err
	}
	for _, row := range out.Rows {
		if row.Error != "" || len(row.Doc) == 0 || string(row.Doc) == "null" {
			continue
		}
		result[row.Key] = row.Doc
	}
	return result, nil
}

func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) dbPath(suffix string) string {
	return "/" + url.PathEscape(c.database) + "/" + suffix
}

// docPath keeps the slash of _local/ and _design/ ids.
func (c *Client) docPath(id string) string {
	for _, prefix := range []string{"_local/", "_design/"} {
		if strings.HasPrefix(id, prefix) {
			return c.dbPath(prefix + url.PathEscape(strings.TrimPrefix(id, prefix)))
		}
	}
	return c.dbPath(url.PathEscape(id))
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	schedule := c.retrySchedule()
	return backoff.Retry(func() error {
		resp, payload, err := c.send(ctx, method, requestPath, bodyBytes)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}

		var errPayload struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Error,
			Reason:     errPayload.Reason,
		}
		if !transientStatus(resp.StatusCode) {
			return backoff.Permanent(httpErr)
		}
		schedule.hint = retryAfter(resp.Header)
		return httpErr
	}, backoff.WithContext(schedule, ctx))
}

func (c *Client) send(ctx context.Context, method, requestPath string, body []byte) (*http.Response, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return nil, nil, backoff.Permanent(err)
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, payload, nil
}

// transientStatus reports whether CouchDB may answer the same request
// differently after a pause.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// retrySchedule doubles from baseDelay up to maxDelay and stops after
// maxRetries retries.
func (c *Client) retrySchedule() *hintedBackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     c.baseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.maxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return &hintedBackOff{
		BackOff: backoff.WithMaxRetries(exp, uint64(max(c.maxRetries, 0))),
		max:     c.maxDelay,
	}
}

// hintedBackOff uses a server Retry-After hint, capped at max, for the next
// pause only.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
	max  time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if b.hint > 0 {
		next = min(b.hint, b.max)
		b.hint = 0
	}
	return next
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header) time.Duration {
	value := strings.TrimSpace(h.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		return time.Until(at)
	}
	return 0
}
