package version

// Populated via -ldflags at release build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)
