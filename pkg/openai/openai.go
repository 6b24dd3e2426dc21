// Package openai adapts an OpenAI-compatible API to the embed and generate
// calls the service needs.
package openai

import (
	"context"
	"errors"
	"fmt"
	"sort"

	goopenai "github.com/sashabaranov/go-openai"
)

// Config selects the endpoint and models.
type Config struct {
	APIKey     string
	BaseURL    string // optional, for compatible providers
	EmbedModel string
	ChatModel  string
	Dimensions int // 0 keeps the model's native size
}

// Client embeds and generates through an OpenAI-compatible API.
type Client struct {
	client *goopenai.Client
	cfg    Config
}

// New creates a Client.
func New(cfg Config) *Client {
	cc := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	return &Client{client: goopenai.NewClientWithConfig(cc), cfg: cfg}
}

// Embed returns the embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request. Results follow input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("openai embed: no input")
	}
	resp, err := c.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input:      texts,
		Model:      goopenai.EmbeddingModel(c.cfg.EmbedModel),
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("openai embed: empty embedding at %d", i)
		}
		out[i] = d.Embedding
	}
	return out, nil
}

// Generate sends prompt as a single user message.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: c.cfg.ChatModel,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai generate: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
