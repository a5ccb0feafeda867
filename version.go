package otbr

import (
	"fmt"
	"runtime"
)

// version is overridden at link time with -ldflags "-X".
var version = "dev"

func VersionNumberString() string {
	return version
}

func VersionString() string {
	return fmt.Sprintf("otbr-agent %s", VersionNumberString())
}

func SystemInfoString() string {
	return fmt.Sprintf("%s; Go %s; %s/%s", VersionString(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
