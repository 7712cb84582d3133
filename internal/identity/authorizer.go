package identity

import (
	"context"
)

// Authorizer 判断 caller 能否以 viewer 身份操作
type Authorizer interface {
	Authorize(ctx context.Context, callerID, viewerID string) bool
}

// StaticAuthorizer caller 只能代表自己，管理员可以代表任何 viewer
type StaticAuthorizer struct {
	admins map[string]struct{}
}

// NewStaticAuthorizer 创建授权器
func NewStaticAuthorizer(adminIDs []string) *StaticAuthorizer {
	admins := make(map[string]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &StaticAuthorizer{admins: admins}
}

func (a *StaticAuthorizer) Authorize(ctx context.Context, callerID, viewerID string) bool {
	if callerID == "" {
		return false
	}
	if callerID == viewerID {
		return true
	}
	_, ok := a.admins[callerID]
	return ok
}

type callerKey struct{}

// WithCaller 在 ctx 中携带已认证的调用方
func WithCaller(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerKey{}, callerID)
}

// CallerFrom 读取调用方
func CallerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerKey{}).(string)
	return id, ok && id != ""
}
