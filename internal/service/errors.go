package service

import "errors"

// 业务层通用错误，handler 按错误类别映射到 HTTP 状态码：
// 校验类 400，越权 403，缺失 404，状态冲突 409。
var (
	ErrInvalidTarget    = errors.New("invalid target user")
	ErrInvalidName      = errors.New("invalid name")
	ErrEmptyContent     = errors.New("empty content")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrAlreadyFriends   = errors.New("already friends")
	ErrDuplicatePending = errors.New("duplicate pending request")
	ErrAlreadyResolved  = errors.New("request already resolved")
	ErrAlreadyMember    = errors.New("already a member")
	ErrNotAMember       = errors.New("not a member")
)
