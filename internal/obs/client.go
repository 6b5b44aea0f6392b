// Package obs provides a small client for the Open Build Service REST API:
// project status, request search, package source info and submit request
// creation. Responses are XML.
package obs

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/steveyegge/autosubmit/internal/types"
)

const (
	// DefaultAPIURL is the public openSUSE build service.
	DefaultAPIURL = "https://api.opensuse.org/"

	// DefaultTimeout bounds a single HTTP exchange.
	DefaultTimeout = 5 * time.Minute

	// SubmitDescription is the description put on created requests.
	SubmitDescription = "Automatic submission by obs-autosubmit"

	maxResponseSize = 50 * 1024 * 1024
)

// ErrMissingField is wrapped by errors about well-formed documents lacking a
// field they always carry.
var ErrMissingField = errors.New("missing field")

// Error describes a failed exchange with the build service.
type Error struct {
	Op         string // e.g. "get status of openSUSE:Factory"
	StatusCode int    // HTTP status, 0 if the request never completed
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("cannot %s: %v (status %d)", e.Op, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("cannot %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client talks to one build service instance.
type Client struct {
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client

	// DryRun makes CreateSubmission return "0" without contacting the server.
	DryRun bool
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		UserAgent: "obs-autosubmit",
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// WithHTTPClient returns a new client with a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	return &Client{
		BaseURL:    c.BaseURL,
		UserAgent:  c.UserAgent,
		HTTPClient: httpClient,
		DryRun:     c.DryRun,
	}
}

// buildURL constructs a full API URL from path segments and a query.
func (c *Client) buildURL(segments []string, query url.Values) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := c.BaseURL + "/" + strings.Join(escaped, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do performs one HTTP exchange and decodes the XML response into out.
func (c *Client) do(ctx context.Context, op, method, urlStr string, body []byte, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/xml")
	if body != nil {
		req.Header.Set("Content-Type", "application/xml")
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	_ = resp.Body.Close()
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("API error: %s", summarize(respBody))}
	}

	if err := xml.Unmarshal(respBody, out); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("cannot parse response: %w", err)}
	}
	return nil
}

// summarize extracts the summary of an OBS <status> error body, falling back
// to the raw body.
func summarize(body []byte) string {
	var status struct {
		Code    string `xml:"code,attr"`
		Summary string `xml:"summary"`
	}
	if err := xml.Unmarshal(body, &status); err == nil && status.Summary != "" {
		return status.Summary
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// FetchProjectStatus returns the status of every package of project,
// including devel links.
func (c *Client) FetchProjectStatus(ctx context.Context, project string) (*StatusDocument, error) {
	var doc StatusDocument
	u := c.buildURL([]string{"status", "project", project}, nil)
	if err := c.do(ctx, "get status of "+project, http.MethodGet, u, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// searchRequests runs a request search with an xpath predicate.
func (c *Client) searchRequests(ctx context.Context, op, xpath string) (*RequestCollection, error) {
	var coll RequestCollection
	u := c.buildURL([]string{"search", "request"}, url.Values{"match": {xpath}})
	if err := c.do(ctx, op, http.MethodGet, u, nil, &coll); err != nil {
		return nil, err
	}
	return &coll, nil
}

// FetchOpenRequests returns submit and delete requests in state new or
// review that target project.
func (c *Client) FetchOpenRequests(ctx context.Context, project string) (*RequestCollection, error) {
	xpath := fmt.Sprintf(
		"(action/@type='submit' or action/@type='delete') and (state/@name='new' or state/@name='review') and (action/target/@project='%[1]s' or submit/target/@project='%[1]s')",
		project)
	return c.searchRequests(ctx, "get requests submitted to "+project, xpath)
}

// FetchPackageRequests returns every submit request ever filed against
// project/pkg, whatever its state.
func (c *Client) FetchPackageRequests(ctx context.Context, project, pkg string) (*RequestCollection, error) {
	xpath := fmt.Sprintf(
		"action/@type='submit' and (action/target/@project='%[1]s' or submit/target/@project='%[1]s') and (action/target/@package='%[2]s' or submit/target/@package='%[2]s')",
		project, pkg)
	return c.searchRequests(ctx, fmt.Sprintf("get requests submitted to %s/%s", project, pkg), xpath)
}

// FetchSourceInfo returns the source info of a package, at rev if set.
func (c *Client) FetchSourceInfo(ctx context.Context, project, pkg, rev string) (*SourceInfo, error) {
	query := url.Values{"view": {"info"}}
	if rev != "" {
		query.Set("rev", rev)
	}
	var info SourceInfo
	u := c.buildURL([]string{"public", "source", project, pkg}, query)
	if err := c.do(ctx, fmt.Sprintf("get info of %s/%s", project, pkg), http.MethodGet, u, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// FetchFiles returns the file listing of a package, at rev if set.
func (c *Client) FetchFiles(ctx context.Context, project, pkg, rev string, expand bool) (*Directory, error) {
	query := url.Values{}
	if rev != "" {
		query.Set("rev", rev)
	}
	if expand {
		query.Set("expand", "1")
	}
	var dir Directory
	u := c.buildURL([]string{"public", "source", project, pkg}, query)
	if err := c.do(ctx, fmt.Sprintf("get files metadata of %s/%s", project, pkg), http.MethodGet, u, nil, &dir); err != nil {
		return nil, err
	}
	return &dir, nil
}

// FetchPackageState returns the current state of a package: revision and
// fingerprints. The changes fingerprint is not filled in.
func (c *Client) FetchPackageState(ctx context.Context, project, pkg, rev string) (types.PackageState, error) {
	info, err := c.FetchSourceInfo(ctx, project, pkg, rev)
	if err != nil {
		return types.PackageState{}, err
	}
	if info.Rev == "" || info.SrcMD5 == "" {
		return types.PackageState{}, &Error{
			Op:  fmt.Sprintf("fetch current state of %s/%s", project, pkg),
			Err: fmt.Errorf("no revision or srcmd5: %w", ErrMissingField),
		}
	}
	state := types.PackageState{
		PackageIdentity: types.NewIdentity(project, pkg),
		Rev:             info.Rev,
		UnexpandedHash:  info.SrcMD5,
		Hash:            info.VerifyMD5,
	}
	if state.Hash == "" {
		state.Hash = info.SrcMD5
	}
	return state, nil
}

// FetchChangesHash returns the md5 of <pkg>.changes in the expanded sources
// of project/pkg, or "" when the package has no such file.
func (c *Client) FetchChangesHash(ctx context.Context, project, pkg, rev string) (string, error) {
	dir, err := c.FetchFiles(ctx, project, pkg, rev, true)
	if err != nil {
		return "", err
	}
	want := pkg + ".changes"
	for _, entry := range dir.Entries {
		if strings.HasSuffix(entry.Name, ".changes") && entry.MD5 == "" {
			return "", &Error{
				Op:  fmt.Sprintf("fetch hash of changes file for %s/%s", project, pkg),
				Err: fmt.Errorf("%s has no md5: %w", entry.Name, ErrMissingField),
			}
		}
		if entry.Name == want {
			return entry.MD5, nil
		}
	}
	return "", nil
}

// CreateSubmission files a submit request from source (at its revision) to
// target and returns the new request id.
func (c *Client) CreateSubmission(ctx context.Context, source types.PackageState, target types.PackageIdentity) (string, error) {
	if c.DryRun {
		return "0", nil
	}
	op := fmt.Sprintf("submit %s to %s", source, target)

	body, err := xml.Marshal(newRequest{
		Actions: []RequestAction{{
			Type:   string(types.ActionSubmit),
			Source: &RequestPackage{Project: source.Project, Package: source.Package, Rev: source.Rev},
			Target: &RequestPackage{Project: target.Project, Package: target.Package},
		}},
		State:       RequestState{Name: "new"},
		Description: SubmitDescription,
	})
	if err != nil {
		return "", &Error{Op: op, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	var created Request
	u := c.buildURL([]string{"request"}, url.Values{"cmd": {"create"}})
	if err := c.do(ctx, op, http.MethodPost, u, body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &Error{Op: op, Err: fmt.Errorf("no request id in response: %w", ErrMissingField)}
	}
	return created.ID, nil
}
