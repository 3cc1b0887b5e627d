package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/avelio/fleetwatch/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	if cfg.NATSURL == "" {
		errs = append(errs, ValidationError{
			Field:   "NATS_URL",
			Message: "required",
		})
	}

	if cfg.RegistryBaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "REGISTRY_BASE_URL",
			Message: "required",
		})
	} else if u, err := url.Parse(cfg.RegistryBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "REGISTRY_BASE_URL",
			Message: fmt.Sprintf("must be an absolute URL, got %q", cfg.RegistryBaseURL),
		})
	}

	errs = appendDurationErrors(errs, "REGISTRY_TIMEOUT", cfg.RegistryTimeoutStr)
	errs = appendDurationErrors(errs, "CACHE_TTL", cfg.CacheTTLStr)
	errs = appendDurationErrors(errs, "KNOWN_SET_TTL", cfg.KnownSetTTLStr)
	errs = appendDurationErrors(errs, "DB_OP_TIMEOUT", cfg.DBOpTimeoutStr)
	errs = appendDurationErrors(errs, "DRAIN_TIMEOUT", cfg.DrainTimeoutStr)

	if cfg.SyncEnabled {
		if err := cron.NewParser().Validate(cfg.SyncSchedule); err != nil {
			errs = append(errs, ValidationError{
				Field:   "SYNC_SCHEDULE",
				Message: fmt.Sprintf("invalid cron expression: %v", err),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func appendDurationErrors(errs ValidationErrors, field, value string) ValidationErrors {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		})
	}
	if d <= 0 {
		return append(errs, ValidationError{
			Field:   field,
			Message: "must be positive",
		})
	}
	return errs
}
