package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ledgersync/internal/models"
)

const (
	DefaultHost     = "https://api.xero.com/api.xro/2.0"
	DefaultPageSize = 100

	modifiedSinceLayout = "2006-01-02T15:04:05"
)

type Client struct {
	host       string
	tenantID   string
	pageSize   int
	httpClient *http.Client
}

type APIError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// Temporary reports whether a retry could succeed without changing the request.
func (e *APIError) Temporary() bool {
	return e.RateLimited() || e.Status >= http.StatusInternalServerError
}

// Page is one raw response page. NextPageToken is empty on the last page.
type Page struct {
	Records       []json.RawMessage
	NextPageToken string
	Requested     int
}

func NewClient(httpClient *http.Client, host, tenantID string, pageSize int) *Client {
	if host == "" {
		host = DefaultHost
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Client{
		host:       strings.TrimRight(host, "/"),
		tenantID:   tenantID,
		pageSize:   pageSize,
		httpClient: httpClient,
	}
}

// FetchPage requests one page of entity records modified at or after since.
// An empty pageToken starts from the first page.
func (c *Client) FetchPage(ctx context.Context, entity models.EntityType, since time.Time, pageToken string) (Page, error) {
	desc, ok := models.Describe(entity)
	if !ok {
		return Page{}, fmt.Errorf("unknown entity type %q", entity)
	}
	page := 1
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 1 {
			return Page{}, fmt.Errorf("invalid page token %q", pageToken)
		}
		page = n
	}

	query := url.Values{}
	if desc.Where != "" {
		query.Set("where", desc.Where)
	}
	if desc.Paged {
		query.Set("page", strconv.Itoa(page))
		query.Set("order", "UpdatedDateUTC ASC")
		if c.pageSize != DefaultPageSize {
			query.Set("pageSize", strconv.Itoa(c.pageSize))
		}
	}

	body, err := c.doRequest(ctx, "/"+desc.Endpoint, query, since)
	if err != nil {
		return Page{}, err
	}
	records, err := decodeCollection(body, desc.Collection)
	if err != nil {
		return Page{}, err
	}

	out := Page{Records: records, Requested: len(records)}
	if desc.Paged {
		out.Requested = c.pageSize
		if len(records) >= c.pageSize {
			out.NextPageToken = strconv.Itoa(page + 1)
		}
	}
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values, since time.Time) ([]byte, error) {
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.tenantID != "" {
		req.Header.Set("xero-tenant-id", c.tenantID)
	}
	if !since.IsZero() {
		req.Header.Set("If-Modified-Since", since.UTC().Format(modifiedSinceLayout))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return body, nil
}

func decodeCollection(body []byte, collection string) ([]json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", collection, err)
	}
	raw, ok := envelope[collection]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode %s records: %w", collection, err)
	}
	return records, nil
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
