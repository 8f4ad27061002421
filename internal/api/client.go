package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultPageSize = 200

// Credentials holds the authentication material from a Server descriptor.
// A personal access token takes precedence over basic auth.
type Credentials struct {
	Token    string
	Username string
	Password string
}

// Client is a thin authenticated client for the DHIS2 metadata and
// data-value-set APIs
type Client struct {
	baseURL  string
	http     *resty.Client
	pageSize int
}

// NewClient creates a new DHIS2 API client
func NewClient(baseURL string, creds Credentials, timeout time.Duration) *Client {
	client := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		pageSize: defaultPageSize,
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client.http = resty.New().
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry transport failures, 429 and 5xx. 4xx is a
			// configuration/auth problem and propagates immediately.
			if err != nil {
				return true
			}
			return r.StatusCode() == 429 || r.StatusCode() >= 500
		})

	if creds.Token != "" {
		client.http.SetHeader("Authorization", fmt.Sprintf("ApiToken %s", creds.Token))
	} else {
		client.http.SetBasicAuth(creds.Username, creds.Password)
	}

	return client
}

// SetPageSize overrides the metadata page size (mainly for tests)
func (c *Client) SetPageSize(size int) {
	if size > 0 {
		c.pageSize = size
	}
}

// Me validates the configured credentials against /api/me
func (c *Client) Me(ctx context.Context) (*UserInfo, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("fields", "id,username,displayName").
		Get(c.buildURL("api/me"))
	if err != nil {
		return nil, &RemoteError{Body: err.Error()}
	}
	if !resp.IsSuccess() {
		return nil, &RemoteError{Status: resp.StatusCode(), Body: resp.String()}
	}

	var user UserInfo
	if err := json.Unmarshal(resp.Body(), &user); err != nil {
		return nil, &ProtocolError{Endpoint: "api/me", Reason: err.Error()}
	}
	if user.ID == "" {
		return nil, &ProtocolError{Endpoint: "api/me", Reason: "missing user id"}
	}
	return &user, nil
}

// FetchMetadata retrieves one page of a metadata collection. Pages are
// 1-based; HasMore is derived from the pager envelope. The caller
// aggregates across pages.
func (c *Client) FetchMetadata(ctx context.Context, kind MetadataKind, page int) (*MetadataPage, error) {
	if page < 1 {
		page = 1
	}
	endpoint := fmt.Sprintf("api/%s.json", kind)

	req := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"page":     strconv.Itoa(page),
			"pageSize": strconv.Itoa(c.pageSize),
			"order":    "id:asc",
		})
	if fields, ok := fetchFields[kind]; ok {
		req.SetQueryParam("fields", fields)
	}

	resp, err := req.Get(c.buildURL(endpoint))
	if err != nil {
		return nil, &RemoteError{Body: err.Error()}
	}
	if !resp.IsSuccess() {
		return nil, &RemoteError{Status: resp.StatusCode(), Body: resp.String()}
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, &ProtocolError{Endpoint: endpoint, Reason: err.Error()}
	}

	raw, ok := body[string(kind)]
	if !ok {
		return nil, &ProtocolError{Endpoint: endpoint, Reason: fmt.Sprintf("missing %q collection", kind)}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &ProtocolError{Endpoint: endpoint, Reason: fmt.Sprintf("%q is not a list: %v", kind, err)}
	}

	hasMore := false
	if rawPager, ok := body["pager"]; ok {
		var pager Pager
		if err := json.Unmarshal(rawPager, &pager); err != nil {
			return nil, &ProtocolError{Endpoint: endpoint, Reason: fmt.Sprintf("bad pager: %v", err)}
		}
		hasMore = pager.Page < pager.PageCount
	}

	return &MetadataPage{Items: items, HasMore: hasMore}, nil
}

// PostDataValueSet submits a batch of data values and returns the remote
// import summary. A 409 whose conflicts are all E7641 (value for a future
// period) is treated as an accepted submission because DHIS2 just ignores
// those values.
func (c *Client) PostDataValueSet(ctx context.Context, payload DataValueSetPayload, dryRun bool) (*ImportSummary, error) {
	req := c.http.R().
		SetContext(ctx).
		SetBody(payload)
	if dryRun {
		req.SetQueryParam("dryRun", "true")
	}

	resp, err := req.Post(c.buildURL("api/dataValueSets"))
	if err != nil {
		return nil, &RemoteError{Body: err.Error()}
	}

	if resp.IsSuccess() {
		summary, perr := parseImportSummary(resp.Body())
		if perr != nil {
			return nil, perr
		}
		return summary, nil
	}

	if resp.StatusCode() == 409 {
		summary, perr := parseImportSummary(resp.Body())
		if perr != nil {
			return nil, &RemoteError{Status: 409, Body: resp.String()}
		}
		for _, conflict := range summary.Conflicts {
			if conflict.ErrorCode != "E7641" {
				return nil, &RemoteError{Status: 409, Body: resp.String()}
			}
		}
		return summary, nil
	}

	return nil, &RemoteError{Status: resp.StatusCode(), Body: resp.String()}
}

// parseImportSummary decodes either the flat summary shape or the
// envelope with the summary nested under "response"
func parseImportSummary(body []byte) (*ImportSummary, *ProtocolError) {
	var envelope importSummaryEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &ProtocolError{Endpoint: "api/dataValueSets", Reason: err.Error()}
	}
	if envelope.Response != nil {
		return envelope.Response, nil
	}
	if envelope.Status == "" {
		return nil, &ProtocolError{Endpoint: "api/dataValueSets", Reason: "missing import summary status"}
	}
	return &envelope.ImportSummary, nil
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}
