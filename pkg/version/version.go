package version

// Version contains the binary version injected by the build system via ldflags
var Version string

// GitCommit contains the git commit sha that the binary was built with, injected by the build system via ldflags
var GitCommit string

const defaultVersion = "v0.1.0"

// GetVersion returns Version (or v0.1.0 when unset) with the short commit
// appended when one was injected.
func GetVersion() string {
	return format(Version, GitCommit)
}

func format(version, commit string) string {
	if version == "" {
		version = defaultVersion
	}
	if commit == "" {
		return version
	}
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return version + "-" + commit
}
