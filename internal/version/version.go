package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入。
var (
	Version = "0.1.0"
	Commit  = "dev"
	Name    = "fragcache"
)

// Full 返回 CLI 打印用的名称、版本与提交。
func Full() string {
	return fmt.Sprintf("%s %s (%s)", Name, Version, Commit)
}
