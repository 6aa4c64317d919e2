package indexing

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidStateTransition 状态机违例（程序缺陷，总是记录）
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrDocumentSuperseded 文档已被新版本替代
	ErrDocumentSuperseded = errors.New("document is superseded")

	// ErrControllerStopped 控制器已停止
	ErrControllerStopped = errors.New("indexing controller stopped")

	// errStaleTransition 预期的起始状态已被并发改变（非缺陷）
	errStaleTransition = errors.New("stale transition")
)

// TransitionError 非法状态迁移
type TransitionError struct {
	JobID  string
	From   JobState
	To     JobState
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// stageError 带分类的流水线错误
type stageError struct {
	kind JobErrorKind
	err  error
}

func (e *stageError) Error() string { return string(e.kind) + ": " + e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

func stageErr(kind JobErrorKind, err error) error {
	return &stageError{kind: kind, err: err}
}

// ctxStageErr 超时可重试，主动取消不可重试
func ctxStageErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return stageErr(JobErrorInterrupted, err)
	}
	return stageErr(JobErrorCanceled, err)
}

// kindOf 提取错误分类，未分类视为 store
func kindOf(err error) JobErrorKind {
	var se *stageError
	if errors.As(err, &se) {
		return se.kind
	}
	return JobErrorStore
}
