// Package fetch builds HTTP clients that dial through an outline-sdk transport
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// Options contains the configuration for a client
type Options struct {
	// Transport config string. Empty means a direct TCP connection
	Transport string
	// Override address to connect to. If empty, use the URL authority
	Address string
	// Follow redirects instead of returning the first response
	FollowRedirects bool
}

// NewClient returns an HTTP client whose connections go through the
// configured stream dialer.
func NewClient(opts Options) (*http.Client, error) {
	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(opts.Transport)
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext:         dialContext(dialer, opts.Address),
			MaxIdleConnsPerHost: 16,
			DisableCompression:  true,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	if !opts.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client, nil
}

func dialContext(dialer transport.StreamDialer, address string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	var overrideHost, overridePort string
	if address != "" {
		var err error
		overrideHost, overridePort, err = net.SplitHostPort(address)
		if err != nil {
			// Fail to parse. Assume the address is host only.
			overrideHost = address
			overridePort = ""
		}
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}
		if overrideHost != "" {
			host = overrideHost
		}
		if overridePort != "" {
			port = overridePort
		}
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, net.JoinHostPort(host, port))
	}
}

// Get performs a GET request and returns the body of a 2xx response.
func Get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read of page body failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}
	return body, nil
}
