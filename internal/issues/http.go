package issues

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// HTTPClient implements Client against a REST issue tracker exposing
// the conventional comments API:
//
//	GET  {base}/api/issues/{id}/comments?since={rfc3339}&limit={n}
//	POST {base}/api/issues/{id}/comments   {"body": "..."}
//	GET  {base}/api/issues/{id}
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a tracker client. The token, when set, is sent
// as a bearer credential on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type commentDoc struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type issueDoc struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build tracker request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "tracker request %s %s failed", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("tracker returned %d for %s %s: %s", resp.StatusCode, method, path, detail)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode tracker response for %s %s", method, path)
	}
	return nil
}

// ListCommentsSince implements Client.
func (c *HTTPClient) ListCommentsSince(ctx context.Context, issueID string, since time.Time, limit int) ([]Comment, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var docs []commentDoc
	path := fmt.Sprintf("/api/issues/%s/comments", url.PathEscape(issueID))
	if err := c.do(ctx, http.MethodGet, path, query, nil, &docs); err != nil {
		return nil, err
	}

	out := make([]Comment, 0, len(docs))
	for _, d := range docs {
		issue := d.IssueID
		if issue == "" {
			issue = issueID
		}
		out = append(out, Comment{ID: d.ID, IssueID: issue, Author: d.Author, Body: d.Body, CreatedAt: d.CreatedAt})
	}
	return out, nil
}

// CreateComment implements Client.
func (c *HTTPClient) CreateComment(ctx context.Context, issueID, body string) (Comment, error) {
	var doc commentDoc
	path := fmt.Sprintf("/api/issues/%s/comments", url.PathEscape(issueID))
	payload := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPost, path, nil, payload, &doc); err != nil {
		return Comment{}, err
	}
	issue := doc.IssueID
	if issue == "" {
		issue = issueID
	}
	return Comment{ID: doc.ID, IssueID: issue, Author: doc.Author, Body: doc.Body, CreatedAt: doc.CreatedAt}, nil
}

// GetIssue implements Client.
func (c *HTTPClient) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	var doc issueDoc
	path := fmt.Sprintf("/api/issues/%s", url.PathEscape(issueID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &doc); err != nil {
		return Issue{}, err
	}
	return Issue{ID: doc.ID, Key: doc.Key, Title: doc.Title, URL: doc.URL}, nil
}
