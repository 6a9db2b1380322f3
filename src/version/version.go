package version

import (
	"fmt"

	"github.com/mosaicnetworks/ddp/src/proto"
)

// Flag marks development builds. It is empty on release branches.
const Flag = ""

var (
	// Version is the full version string
	Version = "0.1.0"

	// GitCommit is set with --ldflags "-X github.com/mosaicnetworks/ddp/src/version.GitCommit=$(git rev-parse HEAD)"
	GitCommit string
)

func init() {
	if Flag != "" {
		Version += "-" + Flag
	}

	if len(GitCommit) >= 8 {
		Version += "-" + GitCommit[:8]
	}
}

// Full returns the version with the protocol versions it speaks.
func Full() string {
	return fmt.Sprintf("%s (protocol %v)", Version, proto.SupportedVersions)
}
