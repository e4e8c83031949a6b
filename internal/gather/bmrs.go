package gather

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

	"gridsync/internal/domain"
)

var _ Source = (*BMRSSource)(nil)

// BMRSSource reads a dataset from the Elexon BMRS API:
//
//	GET {base}/datasets/{path}?from=<RFC3339Z>&to=<RFC3339Z>[&apiKey=..][&next=..]
type BMRSSource struct {
	client     *http.Client
	baseURL    string
	path       string
	apiKey     string
	tokenParam string
}

// NewBMRSSource creates a BMRS source for the dataset.
func NewBMRSSource(ds domain.Dataset, opts Options) *BMRSSource {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	tokenParam := opts.TokenParam
	if tokenParam == "" {
		tokenParam = "next"
	}
	return &BMRSSource{
		client:     client,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		path:       strings.Trim(ds.Path, "/"),
		apiKey:     opts.APIKey,
		tokenParam: tokenParam,
	}
}

// Name returns the source identifier.
func (s *BMRSSource) Name() string { return "bmrs" }

func rfc3339Z(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// pageURL builds the request URL. Continuation tokens that are absolute URLs
// are followed verbatim.
func (s *BMRSSource) pageURL(w domain.SourceWindow, token string) (string, error) {
	if strings.HasPrefix(token, "http://") || strings.HasPrefix(token, "https://") {
		return token, nil
	}

	u, err := url.Parse(s.baseURL + "/datasets/" + s.path)
	if err != nil {
		return "", fmt.Errorf("building url: %w", err)
	}
	q := u.Query()
	q.Set("from", rfc3339Z(w.Start))
	q.Set("to", rfc3339Z(w.End))
	q.Set("format", "json")
	if s.apiKey != "" {
		q.Set("apiKey", s.apiKey)
	}
	if token != "" {
		q.Set(s.tokenParam, token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FetchPage issues one GET for the window and returns the body with the
// continuation token extracted from the envelope.
func (s *BMRSSource) FetchPage(ctx context.Context, w domain.SourceWindow, token string) (*domain.RawPage, error) {
	target, err := s.pageURL(w, token)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", s.path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.RetryAfter, se.HasRetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, se
	}

	return &domain.RawPage{
		Window:    w,
		Body:      body,
		NextToken: nextToken(body),
		FetchedAt: time.Now().UTC(),
	}, nil
}

// nextToken finds a continuation token in the common envelope spellings:
// "next", "meta.next", "links.next", "nextPageToken". Non-object bodies
// have no token.
func nextToken(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ""
	}

	var env struct {
		Next          json.RawMessage `json:"next"`
		NextPageToken string          `json:"nextPageToken"`
		Meta          struct {
			Next json.RawMessage `json:"next"`
		} `json:"meta"`
		Links struct {
			Next json.RawMessage `json:"next"`
		} `json:"links"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return ""
	}

	for _, raw := range []json.RawMessage{env.Next, env.Meta.Next, env.Links.Next} {
		if tok := tokenString(raw); tok != "" {
			return tok
		}
	}
	return env.NextPageToken
}

func tokenString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
