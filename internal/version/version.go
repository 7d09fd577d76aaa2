package version

// Build is stamped at link time via -ldflags "-X tunneld/internal/version.Build=...".
var Build = "dev"
