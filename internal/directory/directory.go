// Package directory is the HTTPS directory client: a read-only
// collaborator the fetch front end uses to discover peer names, addresses,
// public keys, and root hashes.
package directory

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the directory server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New returns a Client against baseURL with a sane request timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) get(path string) ([]byte, bool, error) {
	u := c.BaseURL + path
	resp, err := c.HTTP.Get(u)
	if err != nil {
		return nil, false, fmt.Errorf("directory: GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("directory: read body from %s: %w", u, err)
		}
		return body, true, nil
	case http.StatusNoContent:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("directory: GET %s: unexpected status %s", u, resp.Status)
	}
}

// Peers returns every peer name the directory knows about: GET /peers,
// newline-separated.
func (c *Client) Peers() ([]string, error) {
	body, ok, err := c.get("/peers")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return splitLines(body), nil
}

// Addresses returns name's known socket addresses ("host:port" strings):
// GET /peers/<name>/addresses, newline-separated.
func (c *Client) Addresses(name string) ([]string, error) {
	body, ok, err := c.get("/peers/" + url.PathEscape(name) + "/addresses")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return splitLines(body), nil
}

// PublicKey returns name's advertised public key, or nil if the directory
// holds none (204 No Content): GET /peers/<name>/key.
func (c *Client) PublicKey(name string) ([]byte, error) {
	body, ok, err := c.get("/peers/" + url.PathEscape(name) + "/key")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return body, nil
}

// Root returns name's advertised 32-byte root hash, or nil if the
// directory holds none: GET /peers/<name>/root.
func (c *Client) Root(name string) ([]byte, error) {
	body, ok, err := c.get("/peers/" + url.PathEscape(name) + "/root")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return body, nil
}

func splitLines(body []byte) []string {
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
