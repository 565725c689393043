// Package vectorsearch implements the Pinecone capability: semantic search
// over the Snowflake documentation index.
package vectorsearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/martinemde/dacli/config"
	"github.com/martinemde/dacli/logger"
	"github.com/martinemde/dacli/toolkit"
)

const (
	// Name is the tool name reported on results.
	Name = "pinecone"

	// ControlPlaneURL resolves index hosts.
	ControlPlaneURL = "https://api.pinecone.io"

	apiVersion   = "2025-01"
	defaultTopK  = 5
	requestLimit = 30 * time.Second
)

// Pinecone is the vector search capability.
type Pinecone struct {
	cfg      config.PineconeSettings
	embedCfg config.EmbeddingsSettings
	control  string
	http     *resty.Client
	log      logger.Logger

	mu       sync.Mutex
	host     string
	embedder Embedder
}

type Option func(*Pinecone)

// WithEmbedder replaces the embedder built from the embeddings settings.
func WithEmbedder(e Embedder) Option {
	return func(p *Pinecone) { p.embedder = e }
}

// WithControlPlaneURL overrides the API used to resolve the index host.
func WithControlPlaneURL(u string) Option {
	return func(p *Pinecone) { p.control = strings.TrimRight(u, "/") }
}

func WithLogger(l logger.Logger) Option {
	return func(p *Pinecone) { p.log = l }
}

// New creates the capability from the pinecone and embeddings settings.
func New(cfg config.PineconeSettings, embed config.EmbeddingsSettings, opts ...Option) *Pinecone {
	p := &Pinecone{
		cfg:      cfg,
		embedCfg: embed,
		control:  ControlPlaneURL,
		log:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.http = resty.New().
		SetTimeout(requestLimit).
		SetHeader("Api-Key", cfg.APIKey).
		SetHeader("X-Pinecone-API-Version", apiVersion).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(retryCondition)
	return p
}

func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func (p *Pinecone) Name() string { return Name }

// Connect resolves the index host and prepares the embedder.
func (p *Pinecone) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked(ctx)
}

func (p *Pinecone) connectLocked(ctx context.Context) error {
	if p.embedder == nil {
		e, err := NewEmbedder(p.embedCfg)
		if err != nil {
			return fmt.Errorf("Failed to connect to Pinecone: %w", err)
		}
		p.embedder = e
	}
	if p.host != "" {
		return nil
	}
	host := p.cfg.Host
	if host == "" {
		resolved, err := p.describeIndex(ctx)
		if err != nil {
			return fmt.Errorf("Failed to connect to Pinecone: %w", err)
		}
		host = resolved
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	p.host = strings.TrimRight(host, "/")
	p.log.Info("connected to pinecone", "index", p.cfg.IndexName, "host", p.host)
	return nil
}

// Disconnect forgets the resolved host.
func (p *Pinecone) Disconnect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.host = ""
	return nil
}

func (p *Pinecone) ensure(ctx context.Context) (string, Embedder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(ctx); err != nil {
		return "", nil, err
	}
	return p.host, p.embedder, nil
}

type apiError struct {
	Message string `json:"message"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func responseError(resp *resty.Response) error {
	msg := strings.TrimSpace(resp.String())
	if e, ok := resp.Error().(*apiError); ok {
		switch {
		case e.Error.Message != "":
			msg = e.Error.Message
		case e.Message != "":
			msg = e.Message
		}
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode(), msg)
}

func (p *Pinecone) describeIndex(ctx context.Context) (string, error) {
	if p.cfg.IndexName == "" {
		return "", errors.New("pinecone index_name is not configured")
	}
	var out struct {
		Host string `json:"host"`
	}
	resp, err := p.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{}).
		Get(p.control + "/indexes/" + p.cfg.IndexName)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", responseError(resp)
	}
	if out.Host == "" {
		return "", fmt.Errorf("index %s has no host", p.cfg.IndexName)
	}
	return out.Host, nil
}

type queryRequest struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
}

type match struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

type queryResponse struct {
	Matches []match `json:"matches"`
}

func metaString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Execute searches the index. Arguments: query (required), top_k and
// include_metadata (defaults from the pinecone settings).
func (p *Pinecone) Execute(ctx context.Context, args map[string]any) toolkit.Result {
	query := toolkit.StringArg(args, "query", "")
	return toolkit.Timed(Name, func() toolkit.Result {
		if strings.TrimSpace(query) == "" {
			return toolkit.Failed(Name, "query is required")
		}
		topK := toolkit.IntArg(args, "top_k", p.cfg.TopK)
		if topK <= 0 {
			topK = defaultTopK
		}
		withMeta := toolkit.BoolArg(args, "include_metadata", p.cfg.IncludeMetadata)

		host, embedder, err := p.ensure(ctx)
		if err != nil {
			return toolkit.Failed(Name, err.Error()).WithMetadata("query", query)
		}
		vector, err := embedder.Embed(ctx, query)
		if err != nil {
			return toolkit.Failed(Name, err.Error()).WithMetadata("query", query)
		}

		var out queryResponse
		resp, err := p.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(queryRequest{Vector: vector, TopK: topK, IncludeMetadata: withMeta}).
			SetResult(&out).
			SetError(&apiError{}).
			Post(host + "/query")
		if err == nil && resp.IsError() {
			err = responseError(resp)
		}
		if err != nil {
			p.log.Debug("pinecone query failed", "error", err)
			return toolkit.Failed(Name, err.Error()).WithMetadata("query", query)
		}

		matches := make([]map[string]any, 0, len(out.Matches))
		for _, m := range out.Matches {
			doc := map[string]any{"id": m.ID, "score": m.Score}
			if withMeta && m.Metadata != nil {
				doc["content"] = metaString(m.Metadata, "text")
				doc["source"] = metaString(m.Metadata, "source")
				doc["title"] = metaString(m.Metadata, "title")
			}
			matches = append(matches, doc)
		}
		return toolkit.Succeeded(Name, matches).
			WithMetadata("query", query).
			WithMetadata("top_k", topK).
			WithMetadata("matches_found", len(matches))
	})
}

// Validate reads the index statistics and embeds a probe string.
func (p *Pinecone) Validate(ctx context.Context) toolkit.Result {
	return toolkit.Timed(Name, func() toolkit.Result {
		host, embedder, err := p.ensure(ctx)
		if err != nil {
			return toolkit.Failed(Name, err.Error())
		}

		var stats struct {
			Dimension        int   `json:"dimension"`
			TotalVectorCount int64 `json:"totalVectorCount"`
		}
		resp, err := p.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]any{}).
			SetResult(&stats).
			SetError(&apiError{}).
			Post(host + "/describe_index_stats")
		if err == nil && resp.IsError() {
			err = responseError(resp)
		}
		if err != nil {
			return toolkit.Failed(Name, err.Error())
		}
		if _, err := embedder.Embed(ctx, "test"); err != nil {
			return toolkit.Failed(Name, err.Error())
		}
		return toolkit.Succeeded(Name, map[string]any{
			"index_name":      p.cfg.IndexName,
			"total_vectors":   stats.TotalVectorCount,
			"dimensions":      stats.Dimension,
			"embedding_model": embedder.Model(),
		})
	})
}
