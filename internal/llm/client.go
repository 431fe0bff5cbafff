// Package llm wraps the OpenAI API as the two opaque capabilities the rest
// of the system consumes: structured generation and text embedding. Every
// call is retried with randomized exponential backoff up to a bounded
// attempt count before the error is surfaced.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	// DefaultChatModel is the default model for structured generation.
	DefaultChatModel = "gpt-4o-mini"
	// DefaultEmbeddingModel is the default embedding model.
	DefaultEmbeddingModel = string(openai.SmallEmbedding3)
	// EmbeddingDimensions is the fixed dimensionality of produced vectors.
	EmbeddingDimensions = 1536

	callTimeout    = 60 * time.Second
	embedBatchSize = 128
)

// ClientConfig holds configuration for the model client.
type ClientConfig struct {
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	MaxAttempts    int
	RetryDelay     time.Duration
}

// Client wraps the OpenAI client with retry logic and the prompt contracts
// used across the bot.
type Client struct {
	client         *openai.Client
	chatModel      string
	embeddingModel openai.EmbeddingModel
	maxAttempts    int
	retryDelay     time.Duration
	logger         *zap.Logger
}

// NewClient creates a model client. Zero config fields fall back to defaults.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	return &Client{
		client:         openai.NewClient(cfg.APIKey),
		chatModel:      cfg.ChatModel,
		embeddingModel: openai.EmbeddingModel(cfg.EmbeddingModel),
		maxAttempts:    cfg.MaxAttempts,
		retryDelay:     cfg.RetryDelay,
		logger:         logger,
	}, nil
}

// TopicDraft is the structured output of topic synthesis.
type TopicDraft struct {
	Subject string `json:"subject"`
	Summary string `json:"summary"`
}

// Route is the intent class of a mention-addressed message.
type Route string

const (
	RouteHey         Route = "HEY"
	RouteSummarize   Route = "SUMMARIZE"
	RouteAskQuestion Route = "ASK_QUESTION"
	RouteIgnore      Route = "IGNORE"
)

// SpamVerdict is the structured output of the group-link spam check.
type SpamVerdict struct {
	Score       int    `json:"score"`
	Explanation string `json:"explanation"`
}

// GenerateTopic turns one de-identified conversation chunk into exactly one
// subject/summary pair.
func (c *Client) GenerateTopic(ctx context.Context, conversation string) (TopicDraft, error) {
	system := `You are given one conversation from a group chat, already split into a single coherent discussion.
Produce exactly one topic describing it.

Return ONLY a JSON object with this structure:
{"subject": "short subject of the topic", "summary": "concise summary of the discussion"}

Credit notable insights to the speaker by tagging them (e.g. @user_1). Write in the language of the conversation.`

	var draft TopicDraft
	err := c.completeJSON(ctx, system, conversation, 10000, &draft)
	if err != nil {
		return TopicDraft{}, err
	}
	if strings.TrimSpace(draft.Subject) == "" {
		return TopicDraft{}, fmt.Errorf("generation returned an empty subject")
	}
	return draft, nil
}

// RouteMessage classifies what a mention-addressed message asks the bot to do.
func (c *Client) RouteMessage(ctx context.Context, text string) (Route, error) {
	system := `Classify the intent of a chat message addressed to an assistant bot.

Return ONLY a JSON object: {"route": "HEY" | "SUMMARIZE" | "ASK_QUESTION" | "IGNORE"}

HEY: greeting the bot by name with no request.
SUMMARIZE: asking for a summary of recent group activity.
ASK_QUESTION: asking for information the group has discussed.
IGNORE: anything else.`

	var out struct {
		Route string `json:"route"`
	}
	if err := c.completeJSON(ctx, system, text, 0, &out); err != nil {
		return RouteIgnore, err
	}
	switch Route(strings.ToUpper(strings.TrimSpace(out.Route))) {
	case RouteHey:
		return RouteHey, nil
	case RouteSummarize:
		return RouteSummarize, nil
	case RouteAskQuestion:
		return RouteAskQuestion, nil
	default:
		return RouteIgnore, nil
	}
}

// Rephrase turns a conversational question into a retrieval query close to
// the subject/summary phrasing stored in the knowledge base.
func (c *Client) Rephrase(ctx context.Context, question string) (string, error) {
	system := `Rephrase the following message as a search query for a knowledge base of conversation summaries.
ONLY answer with the rephrased query, no other text.`
	return c.complete(ctx, system, question, 0)
}

// Answer generates a reply to a question over the retrieved topics.
func (c *Client) Answer(ctx context.Context, question, topics string) (string, error) {
	system := `Based on the topics attached, write a response to the query.
- Write a casual direct response to the query; no need to repeat the query.
- Answer in the same language as the query.
- Tag users when talking about them (e.g. @user_1).
- If the topics do not contain the answer, say so briefly.`

	prompt := fmt.Sprintf("question: %s\n\ntopics related to the query:\n%s", question, topics)
	return c.complete(ctx, system, prompt, 0)
}

// Digest writes a short casual recap of recent group activity.
func (c *Client) Digest(ctx context.Context, groupName, conversation string) (string, error) {
	system := fmt.Sprintf(`Write a quick summary of what happened in the chat group since the last summary.

- Start by stating this is a quick summary of what happened in "%s" recently.
- Use a casual conversational writing style.
- Keep it short and sweet.
- Write in the same language as the chat group.`, groupName)

	return c.complete(ctx, system, conversation, 0)
}

// SpamScore rates a shared group invite link from 1 (not spam) to 5 (spam).
func (c *Client) SpamScore(ctx context.Context, content string) (SpamVerdict, error) {
	system := `You are a group chat invite-link spam detector. Score the message from 1 (not spam) to 5 (very likely spam).

Return ONLY a JSON object: {"score": 1-5, "explanation": "short explanation, at most 7 words"}`

	var verdict SpamVerdict
	if err := c.completeJSON(ctx, system, content, 0, &verdict); err != nil {
		return SpamVerdict{}, err
	}
	if verdict.Score < 1 || verdict.Score > 5 {
		return SpamVerdict{}, fmt.Errorf("spam score %d out of range", verdict.Score)
	}
	return verdict, nil
}

// Embed produces fixed-dimensionality embeddings for a batch of strings,
// splitting the input into bounded batches.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		resp, err := c.client.CreateEmbeddings(callCtx, openai.EmbeddingRequestStrings{
			Input: texts,
			Model: c.embeddingModel,
		})
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("attempt %d: %w", attempt+1, err)
			continue
		}
		if len(resp.Data) != len(texts) {
			lastErr = fmt.Errorf("attempt %d: got %d embeddings for %d inputs", attempt+1, len(resp.Data), len(texts))
			continue
		}

		vectors := make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			vectors[i] = d.Embedding
		}
		return vectors, nil
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// complete runs one chat completion with retries and returns the raw text.
func (c *Client) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return "", err
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model: c.chatModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
			MaxTokens:   maxTokens,
			Temperature: 0.3,
		})
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("attempt %d: %w", attempt+1, err)
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("attempt %d: no completion choices returned", attempt+1)
			continue
		}
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	}
	return "", fmt.Errorf("completion failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// completeJSON runs a completion whose contract is a JSON object and parses
// it into out. A malformed response counts as a failed attempt.
func (c *Client) completeJSON(ctx context.Context, system, user string, maxTokens int, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model: c.chatModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
			MaxTokens:   maxTokens,
			Temperature: 0.3,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("attempt %d: %w", attempt+1, err)
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("attempt %d: no completion choices returned", attempt+1)
			continue
		}

		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		if err := json.Unmarshal([]byte(content), out); err != nil {
			c.logger.Debug("Failed to parse model response",
				zap.Error(err),
				zap.String("response", content))
			lastErr = fmt.Errorf("attempt %d: failed to parse JSON: %w", attempt+1, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("completion failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// sleepBackoff waits before retry attempts, honoring context cancellation.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	if attempt == 0 {
		return nil
	}
	select {
	case <-time.After(Backoff(c.retryDelay, attempt)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
