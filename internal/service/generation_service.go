package service

import (
	"context"
	"fmt"
	"strings"

	"ragchat-go/internal/config"
	"ragchat-go/internal/model"
	"ragchat-go/pkg/llm"
	"ragchat-go/pkg/log"
)

// GenerationInput 是两种生成方式共同的输入。
type GenerationInput struct {
	Message   string
	History   []model.ChatMessage
	Documents []model.Document
	Chunks    []model.RetrievedChunk
}

// GenerationDispatcher 把后端枚举映射到具体的客户端与展示名。
type GenerationDispatcher interface {
	Generate(ctx context.Context, backend llm.Backend, in GenerationInput) (string, error)
	Stream(ctx context.Context, backend llm.Backend, in GenerationInput) (<-chan string, <-chan error)
	ActualModel(backend llm.Backend) string
	Has(backend llm.Backend) bool
}

// BackendEntry 是后端表中的一项。
type BackendEntry struct {
	Client      llm.Client
	DisplayName string
}

type generationDispatcher struct {
	table  map[llm.Backend]BackendEntry
	prompt config.LLMPromptConfig
}

// NewGenerationDispatcher 根据 llm.backends 配置构建后端表，未知的键会被忽略。
func NewGenerationDispatcher(cfg config.LLMConfig) GenerationDispatcher {
	table := make(map[llm.Backend]BackendEntry, len(cfg.Backends))
	for name, bc := range cfg.Backends {
		b, ok := llm.ParseBackend(name)
		if !ok {
			log.Warnf("[GenerationDispatcher] 忽略未知的后端配置: %s", name)
			continue
		}
		display := bc.DisplayName
		if display == "" {
			display = bc.Model
		}
		table[b] = BackendEntry{Client: llm.NewClient(bc, cfg.Generation), DisplayName: display}
	}
	return NewGenerationDispatcherWithTable(table, cfg.Prompt)
}

// NewGenerationDispatcherWithTable 使用给定的后端表创建分发器。
func NewGenerationDispatcherWithTable(table map[llm.Backend]BackendEntry, prompt config.LLMPromptConfig) GenerationDispatcher {
	return &generationDispatcher{table: table, prompt: prompt}
}

func (d *generationDispatcher) Has(backend llm.Backend) bool {
	_, ok := d.table[backend]
	return ok
}

// ActualModel 返回用于日志与响应的模型展示名。
func (d *generationDispatcher) ActualModel(backend llm.Backend) string {
	if e, ok := d.table[backend]; ok {
		return e.DisplayName
	}
	return string(backend)
}

func (d *generationDispatcher) Generate(ctx context.Context, backend llm.Backend, in GenerationInput) (string, error) {
	e, ok := d.table[backend]
	if !ok {
		return "", fmt.Errorf("backend %q is not configured", backend)
	}
	return e.Client.Chat(ctx, d.messages(in), nil)
}

// Stream 返回的 content 通道只能被消费一次，结束后 errs 至多给出一个错误。
func (d *generationDispatcher) Stream(ctx context.Context, backend llm.Backend, in GenerationInput) (<-chan string, <-chan error) {
	e, ok := d.table[backend]
	if !ok {
		out := make(chan string)
		errs := make(chan error, 1)
		errs <- fmt.Errorf("backend %q is not configured", backend)
		close(out)
		close(errs)
		return out, errs
	}
	return e.Client.StreamChat(ctx, d.messages(in), nil)
}

func (d *generationDispatcher) messages(in GenerationInput) []llm.Message {
	msgs := make([]llm.Message, 0, len(in.History)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: d.buildSystemMessage(in.Documents, buildContextText(in.Chunks))})
	for _, h := range in.History {
		msgs = append(msgs, llm.Message{Role: h.Role, Content: h.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: in.Message})
	return msgs
}

// buildContextText 把检索结果编号拼接，单个分块过长时截断。
func buildContextText(chunks []model.RetrievedChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	const maxSnippetLen = 1000
	var sb strings.Builder
	for i, c := range chunks {
		snippet := c.Content
		if r := []rune(snippet); len(r) > maxSnippetLen {
			snippet = string(r[:maxSnippetLen]) + "…"
		}
		label := c.DocumentTitle
		if label == "" {
			label = c.DocumentSlug
		}
		sb.WriteString(fmt.Sprintf("[%d] (%s #%d) %s\n", i+1, label, c.ChunkIndex, snippet))
	}
	return sb.String()
}

func (d *generationDispatcher) buildSystemMessage(docs []model.Document, contextText string) string {
	refStart := d.prompt.RefStart
	if refStart == "" {
		refStart = "<<REF>>"
	}
	refEnd := d.prompt.RefEnd
	if refEnd == "" {
		refEnd = "<<END>>"
	}
	var sys strings.Builder
	if d.prompt.Rules != "" {
		sys.WriteString(d.prompt.Rules)
		sys.WriteString("\n\n")
	}
	if len(docs) > 0 {
		titles := make([]string, 0, len(docs))
		for i := range docs {
			titles = append(titles, docs[i].Title)
		}
		sys.WriteString("Documents in scope: ")
		sys.WriteString(strings.Join(titles, "; "))
		sys.WriteString("\n\n")
	}
	sys.WriteString(refStart)
	sys.WriteString("\n")
	if contextText != "" {
		sys.WriteString(contextText)
	} else {
		noRes := d.prompt.NoResultText
		if noRes == "" {
			noRes = "(no relevant passages were retrieved for this question)"
		}
		sys.WriteString(noRes)
		sys.WriteString("\n")
	}
	sys.WriteString(refEnd)
	return sys.String()
}
