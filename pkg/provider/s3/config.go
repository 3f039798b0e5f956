// Package s3 implements the provider interface for AWS S3 and S3-compatible storage.
package s3

import "github.com/3leaps/jobline/pkg/awsconfig"

// Config configures S3 access shared by every bucket the pipeline touches.
//
// Region handling follows awsconfig: with no region from config, env or
// profile, us-east-1 is used unless Endpoint points at an S3-compatible store.
//
// For S3-compatible stores (MinIO, moto, Wasabi), set AWS.Endpoint and
// typically ForcePathStyle.
type Config struct {
	// AWS holds region, endpoint and credential settings.
	AWS awsconfig.Config

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	// Required for most S3-compatible stores and useful for local development.
	ForcePathStyle bool
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := c.AWS.Validate(); err != nil {
		return &ConfigError{Field: "AWS", Message: err.Error()}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
