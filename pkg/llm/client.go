// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ragchat-go/internal/config"
)

// Client defines the interface for an LLM client.
type Client interface {
	// Chat 以非流式方式调用聊天接口并返回完整回答。
	Chat(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
	// StreamChat 以流式方式调用聊天接口。content 通道在流结束或出错后关闭，
	// errs 通道至多产生一个错误。
	StreamChat(ctx context.Context, messages []Message, gen *GenerationParams) (<-chan string, <-chan error)
}

type openAICompatibleClient struct {
	cfg    config.LLMBackendConfig
	defGen config.LLMGenerationConfig
	client *http.Client
}

// NewClient creates a new LLM client for one backend.
func NewClient(cfg config.LLMBackendConfig, gen config.LLMGenerationConfig) Client {
	return &openAICompatibleClient{
		cfg:    cfg,
		defGen: gen,
		client: &http.Client{Timeout: config.Seconds(cfg.TimeoutSeconds, 120*time.Second)},
	}
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

func (c *openAICompatibleClient) buildRequest(messages []Message, gen *GenerationParams, stream bool) chatRequest {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   stream,
	}
	// 传参优先，其次使用全局配置中的非零值
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
		return reqBody
	}
	if c.defGen.Temperature != 0 {
		t := c.defGen.Temperature
		reqBody.Temperature = &t
	}
	if c.defGen.TopP != 0 {
		p := c.defGen.TopP
		reqBody.TopP = &p
	}
	if c.defGen.MaxTokens != 0 {
		m := c.defGen.MaxTokens
		reqBody.MaxTokens = &m
	}
	return reqBody
}

func (c *openAICompatibleClient) do(ctx context.Context, body chatRequest) (*http.Response, error) {
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}
	return resp, nil
}

// Chat calls the chat completions endpoint without streaming.
func (c *openAICompatibleClient) Chat(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	resp, err := c.do(ctx, c.buildRequest(messages, gen, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var completion chatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("chat api returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

// StreamChat calls the chat completions endpoint and relays content deltas as they arrive.
func (c *openAICompatibleClient) StreamChat(ctx context.Context, messages []Message, gen *GenerationParams) (<-chan string, <-chan error) {
	out := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		resp, err := c.do(ctx, c.buildRequest(messages, gen, true))
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if err := readStream(ctx, resp.Body, out); err != nil {
			errs <- err
		}
	}()

	return out, errs
}

// readStream 解析 OpenAI 兼容的 SSE 响应体，把每个非空 delta 写入 out。
func readStream(ctx context.Context, body io.Reader, out chan<- string) error {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read from stream: %w", err)
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			return nil
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		select {
		case out <- chunk.Choices[0].Delta.Content:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
