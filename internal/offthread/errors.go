package offthread

import (
	"context"
	"errors"
	"fmt"
)

// Code 划分客户端失败类别。调用方据此决定重试/回退策略；
// 客户端自身不做任何处置，也不打日志。
type Code string

const (
	// CodeInit 表示没有可用 worker（或 worker 出错），在重新绑定前致命。
	CodeInit Code = "WORKER_INIT_ERROR"
	// CodeBusy 表示并发容量耗尽，可重试。
	CodeBusy Code = "WORKER_BUSY"
	// CodeTimeout 表示在期限内没有收到关联响应，由调用方决定是否重试。
	CodeTimeout Code = "WORKER_TIMEOUT"
	// CodeAborted 表示取消令牌触发，绝不重试。
	CodeAborted Code = "ABORT_ERROR"
)

// ClientError 是客户端的类型化错误。Busy 时携带当前在途数与容量。
type ClientError struct {
	Code     Code
	Kind     string
	InFlight int
	Cap      int
	Cause    error
}

func (e *ClientError) Error() string {
	switch e.Code {
	case CodeBusy:
		return fmt.Sprintf("%s worker busy: %d/%d in flight", e.Kind, e.InFlight, e.Cap)
	case CodeTimeout:
		return fmt.Sprintf("%s worker timeout", e.Kind)
	case CodeAborted:
		return fmt.Sprintf("%s request aborted", e.Kind)
	default:
		if e.Cause != nil {
			return fmt.Sprintf("%s worker unavailable: %v", e.Kind, e.Cause)
		}
		return fmt.Sprintf("%s worker unavailable", e.Kind)
	}
}

func (e *ClientError) Unwrap() error {
	if e.Code == CodeAborted && e.Cause == nil {
		return context.Canceled
	}
	return e.Cause
}

// RenderError 表示渲染引擎拒绝了输入。这不是传输层故障：
// 调用方应转入降级路径而非重试。
type RenderError struct {
	Kind    string
	Message string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("%s render failed: %s", e.Kind, e.Message)
}

// IsCode 判断 err 是否为指定类别的客户端错误。
func IsCode(err error, code Code) bool {
	var ce *ClientError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == code
}

// IsBusy 判断容量耗尽错误。
func IsBusy(err error) bool { return IsCode(err, CodeBusy) }

// IsTimeout 判断响应超时错误。
func IsTimeout(err error) bool { return IsCode(err, CodeTimeout) }

// IsAborted 判断取消错误。
func IsAborted(err error) bool { return IsCode(err, CodeAborted) }
