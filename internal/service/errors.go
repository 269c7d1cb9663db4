package service

import (
	"errors"
	"fmt"
	"time"
)

// ErrConversationNotFound 表示对话记录或分享令牌不存在。
var ErrConversationNotFound = errors.New("conversation not found")

// ErrShareForbidden 表示调用方不是对话的创建者，不能为其签发分享令牌（403）。
var ErrShareForbidden = errors.New("only the creator of a conversation can share it")

// 校验错误码
const (
	CodeMissingMessage   = "missing_message"
	CodeMessageTooLong   = "message_too_long"
	CodeTooManyDocuments = "too_many_documents"
	CodeInvalidDocuments = "invalid_documents"
	CodeOwnerMismatch    = "owner_mismatch"
	CodeInvalidModel     = "invalid_model"
)

// ValidationError 在任何外部调用之前终止请求（400）。
type ValidationError struct {
	Code     string
	Message  string
	Document string
}

func (e *ValidationError) Error() string {
	if e.Document != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Document)
	}
	return e.Message
}

// 限流原因
const (
	ReasonBurstLimit     = "burst_limit"
	ReasonSustainedLimit = "sustained_limit"
)

// RateLimitError 表示会话触发了突发或持续限流（429）。
type RateLimitError struct {
	Reason     string
	RetryAfter int // 秒，至少为 1
	Limit      int
	Window     time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s), retry after %ds", e.Reason, e.RetryAfter)
}

// ConversationQuotaError 表示会话的对话轮数已达上限（403）。
type ConversationQuotaError struct {
	Limit int
}

func (e *ConversationQuotaError) Error() string {
	return fmt.Sprintf("conversation limit of %d turns reached for this session", e.Limit)
}

// AccessKind 区分拒绝原因，客户端据此决定展示登录框还是口令框。
type AccessKind string

const (
	AccessDenied            AccessKind = "denied"
	AccessAuthRequired      AccessKind = "auth_required"
	AccessPasscodeRequired  AccessKind = "passcode_required"
	AccessPasscodeIncorrect AccessKind = "passcode_incorrect"
)

// AccessError 表示调用方无权使用某个文档（403）。
type AccessError struct {
	Kind     AccessKind
	Document string
}

func (e *AccessError) Error() string {
	switch e.Kind {
	case AccessAuthRequired:
		return fmt.Sprintf("authentication required for document %s", e.Document)
	case AccessPasscodeRequired:
		return fmt.Sprintf("passcode required for document %s", e.Document)
	case AccessPasscodeIncorrect:
		return fmt.Sprintf("incorrect passcode for document %s", e.Document)
	default:
		return fmt.Sprintf("access denied for document %s", e.Document)
	}
}

// 流水线阶段名
const (
	StageEmbedding  = "embedding"
	StageRetrieval  = "retrieval"
	StageGeneration = "generation"
)

// StageError 包装外部调用阶段的失败（500），保留阶段名与原始错误。
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ModerationError 表示记录已被审核封禁，不能分享或查看。
type ModerationError struct {
	Reason string
}

func (e *ModerationError) Error() string {
	if e.Reason == "" {
		return "conversation is banned by moderation"
	}
	return "conversation is banned by moderation: " + e.Reason
}
