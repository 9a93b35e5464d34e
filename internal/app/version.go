package app

// Version is stamped at build time with -ldflags "-X .../internal/app.Version=...".
var Version = "dev"
