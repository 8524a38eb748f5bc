package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags plus custom
// rules that cannot be expressed declaratively.
//
// Log level normalization is handled in ApplyDefaults, not here;
// validation accepts both uppercase and lowercase levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if !cfg.Adapters.Styx.Enabled {
		return fmt.Errorf("adapters: at least one adapter must be enabled")
	}

	switch cfg.Backend.Type {
	case "local":
		if path, _ := cfg.Backend.Local["path"].(string); path == "" {
			return fmt.Errorf("backend.local: path is required")
		}
	case "s3":
		if bucket, _ := cfg.Backend.S3["bucket"].(string); bucket == "" {
			return fmt.Errorf("backend.s3: bucket is required")
		}
		if region, _ := cfg.Backend.S3["region"].(string); region == "" {
			return fmt.Errorf("backend.s3: region is required")
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly
// messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
