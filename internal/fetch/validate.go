package fetch

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// minUnmarkedLength 是无法识别前缀时正文至少需要超过的字符数。
const minUnmarkedLength = 60

var markupPrefixes = []string{
	"<html",
	"<xml",
	"<properties",
	"<?xml ",
	"<!doctype ",
}

// Validate 对上游正文做最后的结构检查：空正文无效；既不以已知标记开头、
// 长度又不超过 60 个字符的正文也视为无效（通常是 200 状态下的错误提示）。
func Validate(content string) error {
	if content == "" {
		return fmt.Errorf("empty body")
	}
	if hasMarkupPrefix(strings.TrimLeftFunc(content, unicode.IsSpace)) {
		return nil
	}
	if n := utf8.RuneCountInString(content); n <= minUnmarkedLength {
		return fmt.Errorf("unrecognized body of %d characters", n)
	}
	return nil
}

func hasMarkupPrefix(content string) bool {
	for _, prefix := range markupPrefixes {
		if len(content) >= len(prefix) && strings.EqualFold(content[:len(prefix)], prefix) {
			return true
		}
	}
	return false
}
