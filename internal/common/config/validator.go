package config

import (
	"fmt"
	"strings"

	"github.com/ifuryst/lol"
)

// Location points at the configuration field an error refers to
type Location struct {
	Field string
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message   string
	Locations []Location
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	sb.WriteString("\n\n")
	for _, loc := range e.Locations {
		sb.WriteString("--> ")
		sb.WriteString(loc.Field)
		sb.WriteString("\n")
	}
	return sb.String()
}

var (
	validBackends     = map[string]bool{"counter": true, "signal": true}
	validStorageTypes = map[string]bool{"memory": true, "disk": true, "redis": true, "db": true}
	validDBTypes      = map[string]bool{"sqlite": true, "mysql": true, "postgres": true}
)

// ValidateServerConfig validates a gambit-server configuration
func ValidateServerConfig(cfg *ServerConfig) error {
	var errors []*ValidationError

	if !validBackends[cfg.Encryption.Backend] {
		errors = append(errors, &ValidationError{
			Message:   fmt.Sprintf("unknown encryption backend %q, expected counter or signal", cfg.Encryption.Backend),
			Locations: []Location{{Field: "encryption.backend"}},
		})
	}

	if !validStorageTypes[cfg.Storage.Type] {
		errors = append(errors, &ValidationError{
			Message:   fmt.Sprintf("unknown storage type %q, expected memory, disk, redis or db", cfg.Storage.Type),
			Locations: []Location{{Field: "storage.type"}},
		})
	}
	switch cfg.Storage.Type {
	case "disk":
		if cfg.Storage.Disk.Path == "" {
			errors = append(errors, &ValidationError{
				Message:   "disk storage requires a path",
				Locations: []Location{{Field: "storage.disk.path"}},
			})
		}
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			errors = append(errors, &ValidationError{
				Message:   "redis storage requires an address",
				Locations: []Location{{Field: "storage.redis.addr"}},
			})
		}
	case "db":
		if !validDBTypes[cfg.Storage.Database.Type] {
			errors = append(errors, &ValidationError{
				Message:   fmt.Sprintf("unknown database type %q, expected sqlite, mysql or postgres", cfg.Storage.Database.Type),
				Locations: []Location{{Field: "storage.database.type"}},
			})
		}
	}

	// Duplicate preprovisioned identities would silently share prekey bundles
	if len(lol.UniqSlice(cfg.Agents)) != len(cfg.Agents) {
		errors = append(errors, &ValidationError{
			Message:   "duplicate agent identities in preprovisioned list",
			Locations: []Location{{Field: "agents"}},
		})
	}

	return joinValidationErrors(errors)
}

// ValidateAgentConfig validates a gambit-agent configuration
func ValidateAgentConfig(cfg *AgentConfig) error {
	var errors []*ValidationError

	// Only the websocket transport is implemented; anything else must fail fast
	if cfg.Transport.Kind != "websocket" {
		errors = append(errors, &ValidationError{
			Message:   fmt.Sprintf("unsupported transport kind %q, only websocket is implemented", cfg.Transport.Kind),
			Locations: []Location{{Field: "transport.kind"}},
		})
	}
	if cfg.Transport.URL == "" {
		errors = append(errors, &ValidationError{
			Message:   "transport url is required",
			Locations: []Location{{Field: "transport.url"}},
		})
	}

	if !validBackends[cfg.Encryption.Backend] {
		errors = append(errors, &ValidationError{
			Message:   fmt.Sprintf("unknown encryption backend %q, expected counter or signal", cfg.Encryption.Backend),
			Locations: []Location{{Field: "encryption.backend"}},
		})
	}
	if cfg.Encryption.Backend == "signal" && cfg.Encryption.PreKeyURL == "" {
		errors = append(errors, &ValidationError{
			Message:   "signal backend requires a prekey distribution url",
			Locations: []Location{{Field: "encryption.prekey_url"}},
		})
	}

	return joinValidationErrors(errors)
}

func joinValidationErrors(errors []*ValidationError) error {
	if len(errors) == 0 {
		return nil
	}
	var sb strings.Builder
	for i, err := range errors {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(err.Error())
	}
	return fmt.Errorf("%s", sb.String())
}
