package offload

import (
	"fmt"
	"os"
	"runtime/debug"
)

// set with -ldflags "-X github.com/glycerine/offload.LAST_GIT_COMMIT_HASH=..."
var LAST_GIT_COMMIT_HASH string
var NEAREST_GIT_TAG string
var GIT_BRANCH string
var GO_VERSION string

func GetCodeVersion(programName string) string {
	return fmt.Sprintf("%s commit: %s / nearest-git-tag: %s / branch: %s / go version: %s\n",
		programName, LAST_GIT_COMMIT_HASH, NEAREST_GIT_TAG, GIT_BRANCH, GO_VERSION)
}

// ModuleVersion is the module version from the build info,
// "(devel)" in a plain go build of this repo.
func ModuleVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range bi.Deps {
		if dep.Path == "github.com/glycerine/offload" {
			return dep.Version
		}
	}
	return bi.Main.Version
}

// Exit1IfVersionReq prints version info and exits if
// -version or --version is anywhere on the command line.
func Exit1IfVersionReq() {
	for _, a := range os.Args {
		if a == "-version" || a == "--version" {
			fmt.Fprintf(os.Stderr, "%v module version: %v\n", os.Args[0], ModuleVersion())
			fmt.Fprintf(os.Stderr, "\n%s\n", GetCodeVersion(os.Args[0]))
			os.Exit(1)
		}
	}
}
