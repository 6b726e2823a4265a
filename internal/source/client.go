// Package source reads the external livestock registries over HTTP.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed response size (64MB)
	MaxResponseSize = 64 * 1024 * 1024

	UserAgent = "ls-keeper-data-worker/1.0"
)

// Client pages through registry entity endpoints and fetches holding snapshots.
//
// Page endpoints follow OData conventions:
//
//	GET {base}/{source}/{entity}?$skip=&$top=&$count=true[&$filter=updatedAt ge <ts>]
//	{"@odata.count": 13, "value": [...]}
type Client struct {
	client  *http.Client
	baseURL *url.URL
	apiKey  string
	logger  *zap.Logger
}

// NewClient creates a registry client. A zero timeout uses DefaultTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("source: invalid base url %q", baseURL)
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: u,
		apiKey:  apiKey,
		logger:  logger,
	}, nil
}

// GetPage fetches one page of entity records.
func (c *Client) GetPage(ctx context.Context, req domain.PageRequest) (*domain.Page, error) {
	q := url.Values{}
	q.Set("$skip", strconv.Itoa(req.Skip))
	q.Set("$top", strconv.Itoa(req.Top))
	q.Set("$count", "true")
	if req.UpdatedSince != nil {
		q.Set("$filter", "updatedAt ge "+req.UpdatedSince.UTC().Format(time.RFC3339))
	}
	u := c.endpoint(string(req.Source), req.EntityType) + "?" + q.Encode()

	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	return parsePage(u, body)
}

// GetSnapshot fetches the mapped state of one holding. A holding unknown to
// the source yields an empty snapshot so reconciliation removes what is stored.
func (c *Client) GetSnapshot(ctx context.Context, src domain.Source, holdingNumber string) (*domain.Snapshot, error) {
	u := c.endpoint(string(src), "holdings", url.PathEscape(holdingNumber), "snapshot")

	body, err := c.get(ctx, u)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		c.logger.Info("Holding not found at source, using empty snapshot",
			zap.String("source", string(src)),
			zap.String("holding_number", holdingNumber),
		)
		return &domain.Snapshot{HoldingNumber: holdingNumber}, nil
	}
	if err != nil {
		return nil, err
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, domain.Wrap(domain.KindPermanentSource, "source.get_snapshot", fmt.Errorf("decode %s: %w", u, err))
	}
	if snap.HoldingNumber == "" {
		snap.HoldingNumber = holdingNumber
	}
	return &snap, nil
}

func (c *Client) endpoint(parts ...string) string {
	return c.baseURL.String() + "/" + strings.Join(parts, "/")
}

// get performs a GET and classifies failures as transient or permanent.
func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	const op = "source.get"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, domain.Wrap(domain.KindPermanentSource, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, context.Cause(ctx))
		}
		return nil, domain.Wrap(domain.KindTransientSource, op, fmt.Errorf("failed to execute request: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		kind := domain.KindPermanentSource
		if retryableStatus(resp.StatusCode) {
			kind = domain.KindTransientSource
		}
		return nil, domain.Wrap(kind, op, NewHTTPError(resp.StatusCode, u, resp.Status))
	}

	if resp.ContentLength > MaxResponseSize {
		return nil, domain.Wrap(domain.KindPermanentSource, op,
			fmt.Errorf("response size %d bytes exceeds maximum of %d bytes", resp.ContentLength, MaxResponseSize))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, context.Cause(ctx))
		}
		kind := domain.KindTransientSource
		var netErr net.Error
		if !errors.As(err, &netErr) && !errors.Is(err, io.ErrUnexpectedEOF) {
			kind = domain.KindPermanentSource
		}
		return nil, domain.Wrap(kind, op, fmt.Errorf("failed to read response body: %w", err))
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, domain.Wrap(domain.KindPermanentSource, op,
			fmt.Errorf("response exceeds maximum of %d bytes", MaxResponseSize))
	}
	return body, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

func parsePage(u string, body []byte) (*domain.Page, error) {
	const op = "source.parse_page"

	if !gjson.ValidBytes(body) {
		return nil, domain.Wrap(domain.KindPermanentSource, op, fmt.Errorf("malformed JSON from %s", u))
	}
	values := gjson.GetBytes(body, "value")
	if !values.IsArray() {
		return nil, domain.Wrap(domain.KindPermanentSource, op, fmt.Errorf("missing value array from %s", u))
	}
	total := gjson.GetBytes(body, `@odata\.count`)
	if !total.Exists() {
		return nil, domain.Wrap(domain.KindPermanentSource, op, fmt.Errorf("missing @odata.count from %s", u))
	}

	records := make([]json.RawMessage, 0, len(values.Array()))
	values.ForEach(func(_, v gjson.Result) bool {
		records = append(records, json.RawMessage(v.Raw))
		return true
	})
	return &domain.Page{
		Records:    records,
		Count:      len(records),
		TotalCount: int(total.Int()),
	}, nil
}
