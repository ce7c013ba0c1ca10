package domain

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类，UI 按 kind 渲染
type ErrorKind string

const (
	KindValidation          ErrorKind = "ValidationError"
	KindInsufficientBalance ErrorKind = "InsufficientBalance"
	KindInsufficientGas     ErrorKind = "InsufficientGasReserve"
	KindBalanceUnavailable  ErrorKind = "BalanceUnavailable"
	KindPriceOracle         ErrorKind = "PriceOracleUnavailable"
	KindBuild               ErrorKind = "BuildError"
	KindSubmissionRejected  ErrorKind = "SubmissionRejected"
	KindConfirmationTimeout ErrorKind = "ConfirmationTimeout"
	KindTradeInProgress     ErrorKind = "TradeInProgress"
	KindCancelled           ErrorKind = "Cancelled"
	KindNotCancellable      ErrorKind = "NotCancellable"
	KindCircuitOpen         ErrorKind = "CircuitOpen"
)

// TradeError 带分类的交易错误
type TradeError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"` // 仅 ValidationError 使用
	Err     error     `json:"-"`
}

func (e *TradeError) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Field != "" {
		msg += "(" + e.Field + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TradeError) Unwrap() error { return e.Err }

// Is 同 kind 的 TradeError 视为相等，便于 errors.Is(err, domain.ErrTradeInProgress)
func (e *TradeError) Is(target error) bool {
	var t *TradeError
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// 哨兵错误（仅用于 errors.Is 比较）
var (
	ErrValidation          = &TradeError{Kind: KindValidation}
	ErrInsufficientBalance = &TradeError{Kind: KindInsufficientBalance}
	ErrInsufficientGas     = &TradeError{Kind: KindInsufficientGas}
	ErrPriceOracle         = &TradeError{Kind: KindPriceOracle}
	ErrBuild               = &TradeError{Kind: KindBuild}
	ErrSubmissionRejected  = &TradeError{Kind: KindSubmissionRejected}
	ErrConfirmationTimeout = &TradeError{Kind: KindConfirmationTimeout}
	ErrTradeInProgress     = &TradeError{Kind: KindTradeInProgress}
	ErrCancelled           = &TradeError{Kind: KindCancelled}
	ErrNotCancellable      = &TradeError{Kind: KindNotCancellable}
	ErrCircuitOpen         = &TradeError{Kind: KindCircuitOpen}
)

// NewError 创建 TradeError
func NewError(kind ErrorKind, err error, format string, args ...any) *TradeError {
	return &TradeError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// ValidationError 字段校验错误
func ValidationError(field, reason string) *TradeError {
	return &TradeError{Kind: KindValidation, Field: field, Message: reason}
}

// KindOf 提取错误分类，非 TradeError 返回空
func KindOf(err error) ErrorKind {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// AsTradeError 将任意错误归一化为 TradeError，未分类的错误归入 fallback
func AsTradeError(err error, fallback ErrorKind) *TradeError {
	if err == nil {
		return nil
	}
	var te *TradeError
	if errors.As(err, &te) {
		return te
	}
	return &TradeError{Kind: fallback, Message: err.Error(), Err: err}
}
