// Package embeddings provides the embedding models and the optional
// vector index behind the memory store.
//
// TEIClient talks to HuggingFace Text Embeddings Inference and
// OpenAIEmbedder to any OpenAI-compatible embeddings endpoint. Either
// can sit behind CachedEmbedder. VectorStore mirrors entry vectors into
// pgvector (PostgreSQL) and IndexSync keeps that mirror in step with the
// sqlite store.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Task prefixes for nomic-style asymmetric models.
const (
	PrefixDocument = "search_document: "
	PrefixQuery    = "search_query: "
)

// ErrEmptyEmbedding is returned when a model answers without a vector.
var ErrEmptyEmbedding = errors.New("empty embedding response")

// TEIClient embeds text with a HuggingFace Text Embeddings Inference
// server.
type TEIClient struct {
	url      string
	hc       *http.Client
	prefixes bool
}

// NewTEIClient creates a TEI client. With prefixes set, stored texts and
// queries get the nomic task prefixes.
func NewTEIClient(baseURL string, prefixes bool) *TEIClient {
	return &TEIClient{
		url:      strings.TrimRight(baseURL, "/"),
		hc:       &http.Client{Timeout: 30 * time.Second},
		prefixes: prefixes,
	}
}

// teiRequest is the /embed body. Over-long inputs are truncated by the
// server rather than rejected.
type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// Embed embeds a document for storage.
func (c *TEIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.single(ctx, PrefixDocument, text)
}

// EmbedQuery embeds a search query.
func (c *TEIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.single(ctx, PrefixQuery, text)
}

// EmbedDocuments embeds texts in one request, preserving order.
func (c *TEIClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return c.embed(ctx, PrefixDocument, texts)
}

func (c *TEIClient) single(ctx context.Context, prefix, text string) ([]float32, error) {
	vecs, err := c.embed(ctx, prefix, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs[0]) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return vecs[0], nil
}

func (c *TEIClient) embed(ctx context.Context, prefix string, texts []string) ([][]float32, error) {
	inputs := texts
	if c.prefixes {
		inputs = make([]string, len(texts))
		for i, t := range texts {
			inputs[i] = prefix + t
		}
	}
	payload, err := json.Marshal(teiRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("tei: encode request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/embed", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var vecs [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vecs); err != nil {
		return nil, fmt.Errorf("tei: decode response: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("tei: %d vectors for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}

// Health reports whether the server is up and the model loaded.
func (c *TEIClient) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends a request and turns non-2xx answers into errors carrying the
// response body.
func (c *TEIClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, rd)
	if err != nil {
		return nil, fmt.Errorf("tei: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tei %s: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tei %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
