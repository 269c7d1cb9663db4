package service

import (
	"context"
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
	"ragchat-go/pkg/log"
)

// AccessService 判断调用方是否可以使用一组文档。
type AccessService interface {
	// Check 按请求顺序返回第一个被拒绝文档的 *AccessError，全部通过时返回 nil。
	Check(ctx context.Context, docs []model.Document, user *model.User, passcode string) error
}

type accessService struct {
	docRepo repository.DocumentRepository
}

// NewAccessService 创建一个新的 AccessService 实例。
func NewAccessService(docRepo repository.DocumentRepository) AccessService {
	return &accessService{docRepo: docRepo}
}

// Check 访问级别只取自文档注册表。
// 只要有一个口令文档，就必须逐文档独立检查，不能走批量路径。
func (s *accessService) Check(ctx context.Context, docs []model.Document, user *model.User, passcode string) error {
	hasPasscode := false
	for i := range docs {
		if docs[i].AccessLevel == model.AccessPasscode {
			hasPasscode = true
			break
		}
	}
	if !hasPasscode {
		return checkBatch(docs, user)
	}

	results := make([]error, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	for i := range docs {
		i := i
		g.Go(func() error {
			results[i] = s.checkOne(gctx, &docs[i], user, passcode)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range results {
		if err != nil {
			return err
		}
	}
	return nil
}

// checkBatch 处理只包含公开与登录可见文档的组合，不需要查询授权表。
func checkBatch(docs []model.Document, user *model.User) error {
	for i := range docs {
		switch docs[i].AccessLevel {
		case model.AccessOpen:
		case model.AccessAuthenticated:
			if user == nil {
				return &AccessError{Kind: AccessAuthRequired, Document: docs[i].Slug}
			}
		default:
			return &AccessError{Kind: AccessDenied, Document: docs[i].Slug}
		}
	}
	return nil
}

func (s *accessService) checkOne(ctx context.Context, doc *model.Document, user *model.User, passcode string) error {
	switch doc.AccessLevel {
	case model.AccessOpen:
		return nil
	case model.AccessAuthenticated:
		if user == nil {
			return &AccessError{Kind: AccessAuthRequired, Document: doc.Slug}
		}
		return nil
	case model.AccessPasscode:
	default:
		return &AccessError{Kind: AccessDenied, Document: doc.Slug}
	}

	if user != nil {
		granted, err := s.docRepo.HasGrant(ctx, user.ID, doc.ID)
		if err != nil {
			// 查询失败时视为没有授权，仍可通过口令进入
			log.Warnf("[AccessService] 查询文档授权失败, doc: %s, user: %d, error: %v", doc.Slug, user.ID, err)
		} else if granted {
			return nil
		}
	}

	if strings.TrimSpace(passcode) == "" {
		return &AccessError{Kind: AccessPasscodeRequired, Document: doc.Slug}
	}
	if doc.Passcode == nil || *doc.Passcode == "" {
		return &AccessError{Kind: AccessDenied, Document: doc.Slug}
	}
	if !passcodeMatches(*doc.Passcode, passcode) {
		return &AccessError{Kind: AccessPasscodeIncorrect, Document: doc.Slug}
	}
	return nil
}

// passcodeMatches 支持明文与 bcrypt 哈希两种存储形式，明文比较使用常数时间。
func passcodeMatches(stored, supplied string) bool {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}
