// Package graphiti binds the graph contract to a Graphiti-style REST
// service: episodes go in as messages, searches come back as node and
// fact projections.
package graphiti

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-mind/internal/graph"
	"github.com/basket/go-mind/internal/timeutil"
)

const (
	defaultTimeout  = 10 * time.Second
	maxSearchHits   = 10
	defaultEpisodes = 50
)

// Client talks to a Graphiti service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New builds a client against baseURL (scheme://host[:port], no
// trailing slash required).
func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

type messagePayload struct {
	UUID              string `json:"uuid,omitempty"`
	Content           string `json:"content"`
	RoleType          string `json:"role_type"`
	Role              string `json:"role,omitempty"`
	Timestamp         string `json:"timestamp"`
	SourceDescription string `json:"source_description,omitempty"`
}

type addMessagesRequest struct {
	GroupID  string           `json:"group_id"`
	Messages []messagePayload `json:"messages"`
}

// AddEpisode queues one episode for ingestion. The service indexes
// asynchronously; a 2xx only means accepted.
func (c *Client) AddEpisode(ctx context.Context, scope string, ep graph.Episode) error {
	ts := ep.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	reqBody := addMessagesRequest{
		GroupID: scope,
		Messages: []messagePayload{{
			UUID:              ep.ID,
			Content:           ep.Body,
			RoleType:          string(ep.Role),
			Timestamp:         ts.UTC().Format(time.RFC3339),
			SourceDescription: ep.Source,
		}},
	}
	return c.post(ctx, "/messages", reqBody, nil)
}

type searchRequest struct {
	GroupIDs []string `json:"group_ids"`
	Query    string   `json:"query"`
	MaxFacts int      `json:"max_facts,omitempty"`
	MaxNodes int      `json:"max_nodes,omitempty"`
}

type nodeResult struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	Summary   string `json:"summary"`
	CreatedAt string `json:"created_at"`
}

type factResult struct {
	UUID      string `json:"uuid"`
	Fact      string `json:"fact"`
	ValidAt   string `json:"valid_at"`
	CreatedAt string `json:"created_at"`
}

// SearchNodes runs entity-oriented search against /search/nodes.
func (c *Client) SearchNodes(ctx context.Context, scope, query string) ([]graph.MemoryResult, error) {
	var out struct {
		Nodes []nodeResult `json:"nodes"`
	}
	req := searchRequest{GroupIDs: []string{scope}, Query: query, MaxNodes: maxSearchHits}
	if err := c.post(ctx, "/search/nodes", req, &out); err != nil {
		return nil, err
	}

	results := make([]graph.MemoryResult, 0, len(out.Nodes))
	for _, n := range out.Nodes {
		content := strings.TrimSpace(n.Name)
		if s := strings.TrimSpace(n.Summary); s != "" {
			if content != "" {
				content += ": " + s
			} else {
				content = s
			}
		}
		if content == "" {
			continue
		}
		r := graph.MemoryResult{
			Content:     content,
			UUID:        n.UUID,
			Kind:        graph.KindNode,
			SourceQuery: query,
		}
		if t, ok := timeutil.ParseTimestamp(n.CreatedAt); ok {
			r.Timestamp = t
		}
		results = append(results, r)
	}
	return results, nil
}

// SearchFacts runs relation-oriented search against /search.
func (c *Client) SearchFacts(ctx context.Context, scope, query string) ([]graph.MemoryResult, error) {
	var out struct {
		Facts []factResult `json:"facts"`
	}
	req := searchRequest{GroupIDs: []string{scope}, Query: query, MaxFacts: maxSearchHits}
	if err := c.post(ctx, "/search", req, &out); err != nil {
		return nil, err
	}

	results := make([]graph.MemoryResult, 0, len(out.Facts))
	for _, f := range out.Facts {
		content := strings.TrimSpace(f.Fact)
		if content == "" {
			continue
		}
		r := graph.MemoryResult{
			Content:     content,
			UUID:        f.UUID,
			Kind:        graph.KindFact,
			SourceQuery: query,
		}
		if t, ok := timeutil.ParseTimestamp(f.ValidAt); ok {
			r.Timestamp = t
		} else if t, ok := timeutil.ParseTimestamp(f.CreatedAt); ok {
			r.Timestamp = t
		}
		results = append(results, r)
	}
	return results, nil
}

type episodeResult struct {
	UUID              string `json:"uuid"`
	Content           string `json:"content"`
	RoleType          string `json:"role_type"`
	SourceDescription string `json:"source_description"`
	CreatedAt         string `json:"created_at"`
}

// EpisodesSince fetches the most recent episodes and filters to those
// newer than since, oldest first.
func (c *Client) EpisodesSince(ctx context.Context, scope string, since time.Time, limit int) ([]graph.Episode, error) {
	if limit <= 0 {
		limit = defaultEpisodes
	}
	path := fmt.Sprintf("/episodes/%s?last_n=%d", url.PathEscape(scope), limit)

	var out struct {
		Episodes []episodeResult `json:"episodes"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}

	episodes := make([]graph.Episode, 0, len(out.Episodes))
	for _, e := range out.Episodes {
		ts, ok := timeutil.ParseTimestamp(e.CreatedAt)
		if !ok || !ts.After(since) {
			continue
		}
		episodes = append(episodes, graph.Episode{
			ID:        e.UUID,
			Role:      graph.Role(e.RoleType),
			Body:      e.Content,
			Timestamp: ts,
			Source:    e.SourceDescription,
		})
	}
	sort.Slice(episodes, func(i, j int) bool {
		return episodes[i].Timestamp.Before(episodes[j].Timestamp)
	})
	return episodes, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("graphiti: marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("graphiti: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("graphiti: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("graphiti request failed", "path", path, "error", err)
		return fmt.Errorf("graphiti: %s: %v: %w", path, err, graph.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("graphiti: %s returned %d: %w", path, resp.StatusCode, graph.ErrUnavailable)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("graphiti: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("graphiti: read %s response: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("graphiti: decode %s response: %w", path, err)
	}
	return nil
}
