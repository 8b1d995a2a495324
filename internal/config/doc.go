// Package config provides centralized configuration management for the
// IntentGuard runtime. It loads a JSON configuration file, fills unset
// fields with sensible defaults and exposes typed sections for the API
// server, run storage, queues, chain endpoints and the planner.
package config
