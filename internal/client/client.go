// Package client talks to a plugin repository server: it uploads plugin
// archives, lists the feed and drives the plugin administration endpoints.
package client

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultTimeout bounds a single request when Options.Timeout is zero.
const DefaultTimeout = 2 * time.Minute

// Options configures a Client.
type Options struct {
	// BaseURL is the repository address, e.g. https://plugins.example.com.
	BaseURL  string
	User     string
	Password string
	// CAFile adds a PEM CA bundle to the trusted roots.
	CAFile string
	// Insecure disables server certificate verification.
	Insecure bool
	Timeout  time.Duration
}

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server responded %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("server responded %d: %s", e.Code, e.Message)
}

// UploadResult is the server's answer to an accepted upload.
type UploadResult struct {
	ID       int64  `json:"id"`
	Version  string `json:"version"`
	FileName string `json:"file_name"`
	Created  bool   `json:"created"`
}

// FeedEntry is one plugin of the repository feed.
type FeedEntry struct {
	Name        string `xml:"name,attr"`
	Version     string `xml:"version,attr"`
	ID          int64  `xml:"id"`
	FileName    string `xml:"file_name"`
	QGISMinimum string `xml:"qgis_minimum_version"`
	QGISMaximum string `xml:"qgis_maximum_version"`
	Downloads   int64  `xml:"downloads"`
	Public      string `xml:"public"`
	DownloadURL string `xml:"download_url"`
}

// Client is a repository API client.
type Client struct {
	http *resty.Client
}

// New builds a Client from opts.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/")).
		SetTimeout(timeout)
	if opts.User != "" {
		rc.SetBasicAuth(opts.User, opts.Password)
	}
	if opts.CAFile != "" || opts.Insecure {
		cfg, err := tlsConfig(opts.CAFile, opts.Insecure)
		if err != nil {
			return nil, err
		}
		rc.SetTLSClientConfig(cfg)
	}
	return &Client{http: rc}, nil
}

// Upload sends the archive at path to POST /upload.
func (c *Client) Upload(ctx context.Context, path string) (*UploadResult, error) {
	var res UploadResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetFile("file", path).
		SetResult(&res).
		Post("/upload")
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", path, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return &res, nil
}

// Feed fetches plugins.xml, optionally filtered to a QGIS version.
func (c *Client) Feed(ctx context.Context, qgisVersion string) ([]FeedEntry, error) {
	req := c.http.R().SetContext(ctx)
	if qgisVersion != "" {
		req.SetQueryParam("qgis", qgisVersion)
	}
	resp, err := req.Get("/plugins.xml")
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var feed struct {
		Plugins []FeedEntry `xml:"pyqgis_plugin"`
	}
	if err := xml.Unmarshal(resp.Body(), &feed); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	return feed.Plugins, nil
}

// Delete removes the plugin with the given id.
func (c *Client) Delete(ctx context.Context, id int64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", fmt.Sprint(id)).
		Delete("/plugins/{id}")
	if err != nil {
		return fmt.Errorf("delete plugin %d: %w", id, err)
	}
	return checkStatus(resp)
}

// SetAccess replaces the visibility of the plugin with the given id.
func (c *Client) SetAccess(ctx context.Context, id int64, public bool, roleIDs []int64) error {
	if roleIDs == nil {
		roleIDs = []int64{}
	}
	body := struct {
		Public  bool    `json:"public"`
		RoleIDs []int64 `json:"role_ids"`
	}{public, roleIDs}
	return c.postJSON(ctx, id, "access", body)
}

// Vote rates the plugin with the given id.
func (c *Client) Vote(ctx context.Context, id int64, vote int) error {
	body := struct {
		Vote int `json:"vote"`
	}{vote}
	return c.postJSON(ctx, id, "vote", body)
}

func (c *Client) postJSON(ctx context.Context, id int64, action string, body any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetPathParam("id", fmt.Sprint(id)).
		SetBody(body).
		Post("/plugins/{id}/" + action)
	if err != nil {
		return fmt.Errorf("%s plugin %d: %w", action, id, err)
	}
	return checkStatus(resp)
}

func checkStatus(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	return &StatusError{Code: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
}
