package config

// Version is the trustcore binary version.
// Set at build time via: -ldflags "-X github.com/trustfabric/trustcore/internal/config.Version=<tag>"
// Defaults to "dev" when built without ldflags.
var Version = "dev"
