package ops

import "fmt"

// Error は運用 API がクライアントへ返す業務エラーです。
// Code は機械可読な識別子、Message は利用者向けの説明です。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}
