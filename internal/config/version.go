package config

// Version is the release version reported by the binaries and the API
const Version = "0.3.0"
