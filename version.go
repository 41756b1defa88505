package main

import (
	"fmt"

	"github.com/alerthub/alerthub/internal/version"
)

// printVersion 输出版本、提交与编译所用的 Go 版本。
func printVersion() {
	build := version.Current()
	fmt.Fprintf(stdOut, "%s %s\n", version.Full(), build.GoVersion)
}
