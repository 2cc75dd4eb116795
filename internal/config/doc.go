// Package config loads the service configuration from YAML.
//
// Values the file omits fall back to Default. An optional .env file is loaded
// first, and BACKEND_URL, BACKEND_API_KEY and NATS_URL override the file. Every
// section validates itself; Load fails on the first invalid section.
package config
