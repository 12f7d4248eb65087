package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const fetchTimeout = 10 * time.Second

// Provider supplies the component graph at bootstrap. A fresh Fetch is the
// re-bootstrap boundary: the pipeline never mutates a graph in place.
type Provider interface {
	Fetch(ctx context.Context) (*Graph, error)
}

// document is the on-disk / on-wire JSON shape of a graph snapshot.
type document struct {
	Components  []Component  `json:"components"`
	Connections []Connection `json:"connections"`
}

// FileProvider loads the graph from a JSON file.
type FileProvider struct {
	Path string
}

// Fetch reads and validates the graph file.
func (p FileProvider) Fetch(ctx context.Context) (*Graph, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("graph: read file: %w", err)
	}
	return decode(data)
}

// HTTPProvider fetches the graph as JSON from the microgrid platform.
type HTTPProvider struct {
	Endpoint string

	// Client is optional; a default with a fetch timeout is used when nil.
	Client *http.Client
}

// Fetch performs one GET against the endpoint and validates the response.
func (p HTTPProvider) Fetch(ctx context.Context) (*Graph, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("graph: read response: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (*Graph, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("graph: parse json: %w", err)
	}
	return Build(doc.Components, doc.Connections)
}

// StaticProvider returns a pre-built graph; the injectable seam for tests.
type StaticProvider struct {
	Graph *Graph
}

// Fetch returns the wrapped graph.
func (p StaticProvider) Fetch(ctx context.Context) (*Graph, error) {
	if p.Graph == nil {
		return nil, fmt.Errorf("graph: static provider has no graph")
	}
	return p.Graph, nil
}
