package content

import "fmt"

// ParseError 表示属性列表无法解析，直接返回给 GetProperties 的调用方。
type ParseError struct {
	Key string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse properties %s: %v", e.Key, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
