package version

import (
	"fmt"
	"runtime"
)

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

const service = "alert-hub"

// Build 描述当前二进制的构建信息，诊断接口会原样返回。
type Build struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

// Current 返回当前进程的构建信息。
func Current() Build {
	return Build{
		Service:   service,
		Version:   Version,
		Commit:    Commit,
		GoVersion: runtime.Version(),
	}
}

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("%s %s (%s)", service, Version, Commit)
}
