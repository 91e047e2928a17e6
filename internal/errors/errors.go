package errors

import (
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown        ErrorCode = 1000
	ErrInvalidParam   ErrorCode = 1001
	ErrNotFound       ErrorCode = 1002
	ErrAlreadyExists  ErrorCode = 1003
	ErrTimeout        ErrorCode = 1004
	ErrCanceled       ErrorCode = 1005

	// 协议错误 (2000-2999)
	ErrProtocolViolation ErrorCode = 2000
	ErrFrameDecode       ErrorCode = 2001
	ErrPacketParse       ErrorCode = 2002
	ErrDeliveryFailed    ErrorCode = 2003
	ErrPayloadFormat     ErrorCode = 2004

	// 游戏错误 (3000-3999)
	ErrRoomNotFound       ErrorCode = 3000
	ErrRoomAlreadyExists  ErrorCode = 3001
	ErrGameNotStarted     ErrorCode = 3002
	ErrGameAlreadyStarted ErrorCode = 3003
	ErrRoomFull           ErrorCode = 3004
	ErrStaleCommand       ErrorCode = 3005
	ErrNotInRoom          ErrorCode = 3006

	// 存储错误 (4000-4999)
	ErrStoreGet       ErrorCode = 4000
	ErrStoreSet       ErrorCode = 4001
	ErrStoreLock      ErrorCode = 4002
	ErrStoreSubscribe ErrorCode = 4003

	// 数据库错误 (5000-5999)
	ErrDatabaseConnect ErrorCode = 5000
	ErrDatabaseQuery   ErrorCode = 5001
	ErrDatabaseInsert  ErrorCode = 5002

	// 配置错误 (6000-6999)
	ErrConfigLoad     ErrorCode = 6000
	ErrConfigParse    ErrorCode = 6001
	ErrConfigValidate ErrorCode = 6002

	// 安全错误 (7000-7999)
	ErrAuthentication ErrorCode = 7000
	ErrTokenExpired   ErrorCode = 7001
	ErrTokenInvalid   ErrorCode = 7002
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	// 通用错误
	ErrUnknown:       "未知错误",
	ErrInvalidParam:  "无效的参数",
	ErrNotFound:      "资源未找到",
	ErrAlreadyExists: "资源已存在",
	ErrTimeout:       "操作超时",
	ErrCanceled:      "操作已取消",

	// 协议错误
	ErrProtocolViolation: "协议约束违规",
	ErrFrameDecode:       "帧解码失败",
	ErrPacketParse:       "数据包解析失败",
	ErrDeliveryFailed:    "可靠投递失败",
	ErrPayloadFormat:     "载荷格式错误",

	// 游戏错误
	ErrRoomNotFound:       "房间不存在",
	ErrRoomAlreadyExists:  "房间已存在",
	ErrGameNotStarted:     "游戏未开始",
	ErrGameAlreadyStarted: "游戏已经开始",
	ErrRoomFull:           "房间已满",
	ErrStaleCommand:       "命令已过期",
	ErrNotInRoom:          "玩家不在房间中",

	// 存储错误
	ErrStoreGet:       "键值读取失败",
	ErrStoreSet:       "键值写入失败",
	ErrStoreLock:      "键值锁获取失败",
	ErrStoreSubscribe: "键值订阅失败",

	// 数据库错误
	ErrDatabaseConnect: "数据库连接失败",
	ErrDatabaseQuery:   "数据库查询失败",
	ErrDatabaseInsert:  "数据库插入失败",

	// 配置错误
	ErrConfigLoad:     "配置加载失败",
	ErrConfigParse:    "配置解析失败",
	ErrConfigValidate: "配置验证失败",

	// 安全错误
	ErrAuthentication: "认证失败",
	ErrTokenExpired:   "令牌已过期",
	ErrTokenInvalid:   "无效的令牌",
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode    `json:"code"`    // 错误码
	Message string       `json:"message"` // 错误消息
	Details string       `json:"details"` // 详细信息
	Cause   error        `json:"-"`       // 原始错误
	Stack   []StackFrame `json:"stack,omitempty"`
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause 添加原因错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	// 捕获调用栈
	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return New(code, details)
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	appErr := New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}
	return appErr
}

// Is 判断错误码
func Is(err error, code ErrorCode) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Code == code
}

// GetCode 提取错误码
func GetCode(err error) ErrorCode {
	appErr, ok := err.(*AppError)
	if !ok {
		return ErrUnknown
	}
	return appErr.Code
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	const maxDepth = 8
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if strings.Contains(frame.Function, "runtime.") {
			break
		}
		e.Stack = append(e.Stack, StackFrame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more {
			break
		}
	}
}
