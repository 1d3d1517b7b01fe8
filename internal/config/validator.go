package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateTLS(); err != nil {
		return err
	}

	if err := c.validateDurations(); err != nil {
		return err
	}

	if err := c.validateMessenger(); err != nil {
		return err
	}

	return nil
}

// validateTLS ensures the agent channel is either TLS-terminated or
// explicitly marked insecure.
func (c *Config) validateTLS() error {
	if c.Gateway.TLS.Enabled() {
		return nil
	}
	if c.Gateway.TLS.Cert != "" || c.Gateway.TLS.Key != "" {
		return errors.New("gateway.tls: cert and key must both be set")
	}
	if !c.Gateway.Insecure {
		return errors.New("gateway: tls material missing; set gateway.insecure: true to run without TLS")
	}
	return nil
}

// validateDurations rejects unparseable duration strings so silent
// fallback to defaults never masks a typo.
func (c *Config) validateDurations() error {
	durations := map[string]string{
		"approval_timeout":      c.ApprovalTimeout,
		"gateway.auth_deadline": c.Gateway.AuthDeadline,
	}
	for name, svc := range c.Services {
		durations["services."+name+".timeout"] = svc.Timeout
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("%s: invalid duration %q", field, value)
		}
	}
	return nil
}

// validateMessenger checks the selected adapter has its parameters.
func (c *Config) validateMessenger() error {
	switch c.Messenger.Type {
	case "telegram":
		t := c.Messenger.Telegram
		if t.Token == "" {
			return errors.New("messenger.telegram.token is required")
		}
		if t.ChatID == 0 {
			return errors.New("messenger.telegram.chat_id is required")
		}
		if len(t.AuthorizedUsers) == 0 {
			return errors.New("messenger.telegram.authorized_users must list at least one user id")
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a
// single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "file":
		return fmt.Sprintf("%s must be an existing file", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
