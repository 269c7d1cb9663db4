package service

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
	"ragchat-go/pkg/llm"
	"ragchat-go/pkg/log"
)

// OwnerContext 是租户侧配置在一次请求中的快照。
type OwnerContext struct {
	// ChunkLimit 是检索分块上限，所有文档属于同一租户且其配置为正数时取租户值，否则为全局默认值。
	ChunkLimit int
	// OwnerID 仅在所有文档属于同一租户时设置。
	OwnerID     *uint
	SharedOwner bool
	// OwnerDefault 是租户级强制后端，仅在 SharedOwner 时有效。
	OwnerDefault *llm.Backend
	// DocumentOverrides 是文档级强制后端，按 slug 索引。
	DocumentOverrides map[string]llm.Backend
}

// OwnerService 解析文档所属租户的配置。
type OwnerService interface {
	// Resolve 不返回错误：查询失败时退回全局默认值。
	Resolve(ctx context.Context, docs []model.Document) OwnerContext
}

type ownerService struct {
	ownerRepo      repository.OwnerRepository
	fallbackChunks int
}

// NewOwnerService 创建一个新的 OwnerService 实例。
func NewOwnerService(ownerRepo repository.OwnerRepository, fallbackChunks int) OwnerService {
	if fallbackChunks <= 0 {
		fallbackChunks = 50
	}
	return &ownerService{ownerRepo: ownerRepo, fallbackChunks: fallbackChunks}
}

func (s *ownerService) Resolve(ctx context.Context, docs []model.Document) OwnerContext {
	oc := OwnerContext{
		ChunkLimit:        s.fallbackChunks,
		DocumentOverrides: make(map[string]llm.Backend),
	}
	for i := range docs {
		if b, ok := parseForcedModel(docs[i].ForcedModel); ok {
			oc.DocumentOverrides[docs[i].Slug] = b
		}
	}

	ownerIDs := distinctOwners(docs)
	if len(ownerIDs) == 0 {
		return oc
	}

	// 每个租户独立并发查询
	owners := make(map[uint]*model.Owner, len(ownerIDs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ownerIDs {
		id := id
		g.Go(func() error {
			owner, err := s.ownerRepo.FindByID(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			owners[id] = owner
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warnf("[OwnerService] 查询租户配置失败，使用默认分块上限 %d: %v", s.fallbackChunks, err)
		return oc
	}

	if len(ownerIDs) != 1 {
		return oc
	}
	owner := owners[ownerIDs[0]]
	oc.SharedOwner = true
	oc.OwnerID = &owner.ID
	if owner.ChunkLimit > 0 {
		oc.ChunkLimit = owner.ChunkLimit
	}
	if b, ok := parseForcedModel(owner.ForcedModel); ok {
		oc.OwnerDefault = &b
	}
	return oc
}

func distinctOwners(docs []model.Document) []uint {
	seen := make(map[uint]struct{}, len(docs))
	var ids []uint
	for i := range docs {
		id := docs[i].OwnerID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// parseForcedModel 只接受可覆盖家族内的后端，其他值视为未配置。
func parseForcedModel(v *string) (llm.Backend, bool) {
	if v == nil || *v == "" {
		return "", false
	}
	b, ok := llm.ParseBackend(*v)
	if !ok || !b.Overridable() {
		log.Warnf("[OwnerService] 忽略无效的强制模型配置: %q", *v)
		return "", false
	}
	return b, true
}
