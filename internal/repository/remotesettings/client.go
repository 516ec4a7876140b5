// Package remotesettings talks to a Kinto based record distribution
// service with the signer plugin: writes go to the workspace bucket, the
// main bucket holds what clients see once a review is approved.
package remotesettings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"experimenter/business/publisher"
)

const (
	statusWorkInProgress = "work-in-progress"
	statusToReview       = "to-review"
)

type Config struct {
	URL             string
	User            string
	Password        string
	WorkspaceBucket string
	MainBucket      string
	Timeout         time.Duration
	// CacheTTL bounds how long collection metadata and workspace records
	// are reused between calls of one scan.
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

type collectionMeta struct {
	Status              string `json:"status"`
	LastReviewer        string `json:"last_reviewer"`
	LastReviewerComment string `json:"last_reviewer_comment"`
	LastEditor          string `json:"last_editor"`
}

type Client struct {
	cfg     Config
	http    *http.Client
	meta    *ttlcache.Cache[string, collectionMeta]
	records *ttlcache.Cache[string, map[string]json.RawMessage]
}

var _ publisher.RecordStore = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.WorkspaceBucket == "" {
		cfg.WorkspaceBucket = "main-workspace"
	}
	if cfg.MainBucket == "" {
		cfg.MainBucket = "main"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &Client{
		cfg:  cfg,
		http: httpClient,
		meta: ttlcache.New(
			ttlcache.WithTTL[string, collectionMeta](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, collectionMeta](),
		),
		records: ttlcache.New(
			ttlcache.WithTTL[string, map[string]json.RawMessage](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, map[string]json.RawMessage](),
		),
	}
}

// StatusError is returned for unexpected responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (c *Client) collectionPath(bucket, collection string) string {
	return "/buckets/" + url.PathEscape(bucket) + "/collections/" + url.PathEscape(collection)
}

func (c *Client) recordPath(collection, id string) string {
	return c.collectionPath(c.cfg.WorkspaceBucket, collection) + "/records/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		return res.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if res.StatusCode >= 300 {
		snippet := string(raw)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return res.StatusCode, &StatusError{Method: method, Path: path, Code: res.StatusCode, Body: snippet}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return res.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return res.StatusCode, nil
}

func (c *Client) listRecords(ctx context.Context, bucket, collection string) (map[string]json.RawMessage, error) {
	var body struct {
		Data []json.RawMessage `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, c.collectionPath(bucket, collection)+"/records", nil, nil, &body); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(body.Data))
	for _, rec := range body.Data {
		var meta struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(rec, &meta); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out[meta.ID] = rec
	}
	return out, nil
}

func (c *Client) PublishedRecords(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	return c.listRecords(ctx, c.cfg.MainBucket, collection)
}

func (c *Client) workspaceRecords(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	if item := c.records.Get(collection); item != nil {
		return item.Value(), nil
	}
	records, err := c.listRecords(ctx, c.cfg.WorkspaceBucket, collection)
	if err != nil {
		return nil, err
	}
	c.records.Set(collection, records, ttlcache.DefaultTTL)
	return records, nil
}

func (c *Client) collection(ctx context.Context, collection string) (collectionMeta, error) {
	if item := c.meta.Get(collection); item != nil {
		return item.Value(), nil
	}
	var body struct {
		Data collectionMeta `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, c.collectionPath(c.cfg.WorkspaceBucket, collection), nil, nil, &body); err != nil {
		return collectionMeta{}, err
	}
	c.meta.Set(collection, body.Data, ttlcache.DefaultTTL)
	return body.Data, nil
}

func (c *Client) invalidate(collection string) {
	c.meta.Delete(collection)
	c.records.Delete(collection)
}

// CreateRecord fails with publisher.ErrConflict if the id already exists.
func (c *Client) CreateRecord(ctx context.Context, collection, id string, record json.RawMessage) error {
	defer c.invalidate(collection)
	code, err := c.do(ctx, http.MethodPut, c.recordPath(collection, id),
		map[string]json.RawMessage{"data": record},
		map[string]string{"If-None-Match": "*"}, nil)
	if code == http.StatusPreconditionFailed {
		return publisher.ErrConflict
	}
	return err
}

func (c *Client) UpdateRecord(ctx context.Context, collection, id string, record json.RawMessage, etag string) error {
	defer c.invalidate(collection)
	headers := map[string]string{}
	if etag != "" {
		headers["If-Match"] = `"` + etag + `"`
	}
	code, err := c.do(ctx, http.MethodPut, c.recordPath(collection, id),
		map[string]json.RawMessage{"data": record}, headers, nil)
	if code == http.StatusPreconditionFailed {
		return publisher.ErrConflict
	}
	return err
}

func (c *Client) DeleteRecord(ctx context.Context, collection, id string) error {
	defer c.invalidate(collection)
	code, err := c.do(ctx, http.MethodDelete, c.recordPath(collection, id), nil, nil, nil)
	if code == http.StatusNotFound {
		return publisher.ErrRecordNotFound
	}
	return err
}

func (c *Client) PatchCollectionStatus(ctx context.Context, collection string, status publisher.CollectionStatus) error {
	defer c.invalidate(collection)
	_, err := c.do(ctx, http.MethodPatch, c.collectionPath(c.cfg.WorkspaceBucket, collection),
		map[string]any{"data": map[string]string{"status": string(status)}}, nil, nil)
	return err
}

func (c *Client) PendingReview(ctx context.Context, collection string) (bool, error) {
	meta, err := c.collection(ctx, collection)
	if err != nil {
		return false, err
	}
	return meta.Status == statusToReview, nil
}

// IsRejected reports whether a review of the collection was declined while
// the workspace still differs from the published record for id.
func (c *Client) IsRejected(ctx context.Context, collection, id string) (bool, error) {
	meta, err := c.collection(ctx, collection)
	if err != nil {
		return false, err
	}
	if meta.Status != statusWorkInProgress || meta.LastReviewer == "" {
		return false, nil
	}

	workspace, err := c.workspaceRecords(ctx, collection)
	if err != nil {
		return false, err
	}
	published, err := c.PublishedRecords(ctx, collection)
	if err != nil {
		return false, err
	}
	draft, inWorkspace := workspace[id]
	live, inMain := published[id]
	if inWorkspace != inMain {
		return true, nil
	}
	return inWorkspace && !sameLastModified(draft, live), nil
}

func (c *Client) LastRejection(ctx context.Context, collection string) (publisher.Rejection, error) {
	meta, err := c.collection(ctx, collection)
	if err != nil {
		return publisher.Rejection{}, err
	}
	return publisher.Rejection{Reviewer: meta.LastReviewer, Comment: meta.LastReviewerComment}, nil
}

func sameLastModified(a, b json.RawMessage) bool {
	var x, y struct {
		LastModified json.Number `json:"last_modified"`
	}
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	return x.LastModified == y.LastModified
}
