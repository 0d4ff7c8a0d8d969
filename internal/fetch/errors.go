package fetch

import (
	"errors"
	"fmt"
	"net"
)

// TransportError 表示建连、超时或非 2xx 响应。StatusCode 为 0 表示没有收到响应。
type TransportError struct {
	URL        string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Message)
	}
	return fmt.Sprintf("fetch %s: upstream returned %d %s", e.URL, e.StatusCode, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the attempt was cut off by the client timeout.
func (e *TransportError) Timeout() bool {
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// InvalidContentError 表示传输成功但正文未通过结构校验，缓存不会被更新。
type InvalidContentError struct {
	URL        string
	StatusCode int
	Length     int
	Reason     string
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("fetch %s: invalid content: %s", e.URL, e.Reason)
}
