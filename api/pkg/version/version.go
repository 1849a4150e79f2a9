package version

// Version is stamped at build time via -ldflags "-X ...version.Version=v1.2.3".
var Version = ""

func Get() string {
	if Version == "" {
		return "dev"
	}
	return Version
}
