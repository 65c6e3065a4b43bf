// Package upstream reads simplestream documents from remote image
// servers and answers what they offer for mirroring.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/simplestreams/mirror/pkg/sstream"
)

// HTTPClient exposes the Do method of an *http.Client so tests can
// stand in their own transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches index and products documents from upstream
// simplestream servers. Requests carry the configured User-Agent and
// are never retried.
type Client struct {
	httpClient HTTPClient
	userAgent  string
}

// NewClient returns a client issuing requests through httpClient.
func NewClient(httpClient HTTPClient, userAgent string) *Client {
	return &Client{httpClient: httpClient, userAgent: userAgent}
}

// FetchIndex retrieves and parses an index document.
func (c *Client) FetchIndex(ctx context.Context, indexURL string) (*sstream.Index, error) {
	index := &sstream.Index{}
	if err := c.getJSON(ctx, indexURL, index); err != nil {
		return nil, err
	}
	return index, nil
}

// FetchProducts retrieves and parses a products document.
func (c *Client) FetchProducts(ctx context.Context, productsURL string) (*sstream.Products, error) {
	products := &sstream.Products{}
	if err := c.getJSON(ctx, productsURL, products); err != nil {
		return nil, err
	}
	return products, nil
}

func (c *Client) getJSON(ctx context.Context, url string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to construct request for %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to request %s: %w", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("got unexpected http %d status code from %s: %s", resp.StatusCode, url, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to unmarshal response from %s: %w", url, err)
	}
	return nil
}
