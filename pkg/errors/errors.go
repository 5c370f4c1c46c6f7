package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"google.golang.org/grpc/codes"
)

// Error 带错误码的错误
type Error struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	GRPCCode codes.Code        `json:"-"`
	Cause    error             `json:"-"`
	Details  map[string]string `json:"details,omitempty"`
	Stack    string            `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(e.Details[k])
		}
		b.WriteString("]")
	}
	if e.Cause != nil {
		b.WriteString(" (cause: ")
		b.WriteString(e.Cause.Error())
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配, 支持 errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails 添加详情
func (e *Error) WithDetails(details map[string]string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string, len(details))
	}
	for k, v := range details {
		newErr.Details[k] = v
	}
	return newErr
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	return e.WithDetails(map[string]string{key: value})
}

// WithMessage 替换错误消息
func (e *Error) WithMessage(message string) *Error {
	newErr := e.Copy()
	newErr.Message = message
	return newErr
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:     e.Code,
		Message:  e.Message,
		GRPCCode: e.GRPCCode,
		Cause:    e.Cause,
		Stack:    e.Stack,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// Detail 读取详情, 不存在返回空串
func (e *Error) Detail(key string) string {
	return e.Details[key]
}

// New 创建新错误
func New(code, message string, grpcCode codes.Code) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		GRPCCode: grpcCode,
	}
}

// Wrap 包装错误
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	newErr.Stack = getStack()
	return newErr
}

// Wrapf 包装错误并添加信息
func Wrapf(err *Error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	newErr.Stack = getStack()
	return newErr
}

// WrapWithCause 包装错误并添加原因和信息
func WrapWithCause(err *Error, cause error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	newErr.Cause = cause
	newErr.Stack = getStack()
	return newErr
}

// getStack 获取调用栈
func getStack() string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var builder strings.Builder
	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return builder.String()
}

// 错误码
var (
	ErrSchema       = New("SCHEMA_ERROR", "类型定义无效", codes.InvalidArgument)
	ErrEncoding     = New("ENCODING_ERROR", "值无法按声明类型编码", codes.InvalidArgument)
	ErrPrecondition = New("PRECONDITION_FAILED", "输入不满足前置条件", codes.FailedPrecondition)
	ErrSignature    = New("INVALID_SIGNATURE", "签名格式无效", codes.InvalidArgument)
	ErrMismatch     = New("HASH_MISMATCH", "哈希与期望值不一致", codes.DataLoss)

	ErrLedgerUnreachable = New("LEDGER_UNREACHABLE", "链上节点不可达", codes.Unavailable)
	ErrLedgerFault       = New("LEDGER_FAULT", "链上调用失败", codes.Internal)
	ErrSignerFailed      = New("SIGNER_FAILED", "签名请求失败", codes.Aborted)
	ErrInvalidConfig     = New("INVALID_CONFIG", "配置无效", codes.InvalidArgument)
)

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// As 提取错误类型
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}

// GetDetail 获取错误详情
func GetDetail(err error, key string) string {
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Detail(key)
	}
	return ""
}

// IsRetryable 判断错误是否可重试
// 哈希计算是确定性的, 只有链上调用的瞬时失败可以重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		switch bizErr.GRPCCode {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
			return true
		}
	}
	return false
}
