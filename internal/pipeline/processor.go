// Package pipeline 定义了对话事件的异步处理流程。
package pipeline

import (
	"context"

	"ragchat-go/internal/repository"
	"ragchat-go/internal/service"
	"ragchat-go/pkg/log"
	"ragchat-go/pkg/tasks"
)

// Processor 消费 ConversationLogged 事件，累加文档与租户的使用统计。
type Processor struct {
	usageRepo repository.UsageRepository
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(usageRepo repository.UsageRepository) *Processor {
	return &Processor{usageRepo: usageRepo}
}

// Process 是事件处理的主函数。同一事件只计数一次。
func (p *Processor) Process(ctx context.Context, event tasks.ConversationLogged) error {
	fresh, err := p.usageRepo.MarkProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if !fresh {
		log.Debugf("[Processor] 事件已处理，跳过: %s", event.EventID)
		return nil
	}

	// 计数在同一事务中生效，失败时不会留下部分计数
	if err := p.usageRepo.Apply(ctx, event.DocumentSlugs, event.OwnerID, usageDeltas(event)); err != nil {
		if clearErr := p.usageRepo.ClearProcessed(ctx, event.EventID); clearErr != nil {
			log.Warnf("[Processor] 撤销事件去重标记失败: %s, error: %v", event.EventID, clearErr)
		}
		return err
	}

	log.Debugf("[Processor] 已累加使用统计, conversation: %d, documents: %v", event.ConversationID, event.DocumentSlugs)
	return nil
}

func usageDeltas(event tasks.ConversationLogged) map[string]int64 {
	deltas := map[string]int64{
		service.UsageQueries: 1,
		service.UsageChunks:  int64(event.ChunkCount),
	}
	if event.Banned {
		deltas[service.UsageBanned] = 1
	}
	if event.Failed {
		deltas[service.UsageFailed] = 1
	}
	return deltas
}
