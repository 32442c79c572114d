package core

// Version is the job subsystem release, reported by /healthz and the
// server_info metric.
const Version = "0.3.0"
