package cache

import (
	"errors"
	"fmt"
)

// ErrNotFound 表示缓存中不存在该 key。
var ErrNotFound = errors.New("cache entry not found")

// NoCachedValueError 表示回源失败且没有可回退的旧值，是 Get 唯一返回给调用方的错误。
type NoCachedValueError struct {
	Key string
	Err error
}

func (e *NoCachedValueError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("no cached value for %s", e.Key)
	}
	return fmt.Sprintf("no cached value for %s: %v", e.Key, e.Err)
}

func (e *NoCachedValueError) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, ErrNotFound) 对缺值错误同样成立。
func (e *NoCachedValueError) Is(target error) bool {
	return target == ErrNotFound
}
