// Package catalog validates and stores candidate measurement servers.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"speedtest-orchestrator/pkg/fetch"
	"speedtest-orchestrator/pkg/models"
)

var ErrInvalidServerDefinition = errors.New("invalid server definition")

// Catalog holds validated server definitions in insertion order. It is not
// safe for concurrent use; the controller serialises access.
type Catalog struct {
	scheme  string
	servers []*models.ServerDefinition
}

// New returns an empty catalog. scheme is the origin scheme ("https")
// used to resolve protocol-relative base URLs.
func New(scheme string) *Catalog {
	return &Catalog{scheme: strings.TrimSuffix(scheme, ":")}
}

// Validate checks the required fields of def and normalises its base URL
// in place.
func (c *Catalog) Validate(def *models.ServerDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidServerDefinition)
	}
	if def.Name == "" {
		return missing("Name string", "name")
	}
	if def.BaseURL == "" {
		return missing("Server address string", "server")
	}
	if !strings.HasSuffix(def.BaseURL, "/") {
		def.BaseURL += "/"
	}
	if strings.HasPrefix(def.BaseURL, "//") {
		def.BaseURL = c.scheme + ":" + def.BaseURL
	}
	if def.DownloadPath == "" {
		return missing("Download URL string", "dlURL")
	}
	if def.UploadPath == "" {
		return missing("Upload URL string", "ulURL")
	}
	if def.PingPath == "" {
		return missing("Ping URL string", "pingURL")
	}
	if def.IPLookupPath == "" {
		return missing("GetIP URL string", "getIpURL")
	}
	return nil
}

func missing(what, field string) error {
	return fmt.Errorf("%w: %s missing from server definition (%s)", ErrInvalidServerDefinition, what, field)
}

// Add validates def and appends it.
func (c *Catalog) Add(def *models.ServerDefinition) error {
	if err := c.Validate(def); err != nil {
		return err
	}
	c.servers = append(c.servers, def)
	return nil
}

// ValidateAll validates every element and stops at the first failure,
// reporting its index.
func (c *Catalog) ValidateAll(list []*models.ServerDefinition) error {
	for i, def := range list {
		if err := c.Validate(def); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
	}
	return nil
}

// Servers returns the registered definitions in insertion order.
func (c *Catalog) Servers() []*models.ServerDefinition {
	out := make([]*models.ServerDefinition, len(c.servers))
	copy(out, c.servers)
	return out
}

func (c *Catalog) Len() int {
	return len(c.servers)
}

// Fetch downloads a JSON server list.
func Fetch(ctx context.Context, client *http.Client, url string) ([]*models.ServerDefinition, error) {
	body, err := fetch.Get(ctx, client, url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch server list: %w", err)
	}

	var list []*models.ServerDefinition
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse server list: %w", err)
	}
	return list, nil
}

// ReadFile loads a server list from a YAML or JSON file. Files ending in
// .json are decoded as strictly as a fetched list.
func ReadFile(path string) ([]*models.ServerDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read server list: %w", err)
	}

	unmarshal := yaml.Unmarshal
	if strings.EqualFold(filepath.Ext(path), ".json") {
		unmarshal = json.Unmarshal
	}
	var list []*models.ServerDefinition
	if err := unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse server list '%s': %w", path, err)
	}
	return list, nil
}
