package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	// Unquoted PostgreSQL identifiers; anything else would need quoting in SQL.
	pgIdentPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)
)

// validatorInstance configures and returns the shared validator instance used across the config package.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("abspath", func(fl validator.FieldLevel) bool {
			p := fl.Field().String()
			if p == "" || strings.Contains(p, "\x00") {
				return false
			}
			return filepath.IsAbs(p) && !strings.Contains(p, "/../") && !strings.HasSuffix(p, "/..")
		})

		_ = v.RegisterValidation("pgident", func(fl validator.FieldLevel) bool {
			return pgIdentPattern.MatchString(fl.Field().String())
		})

		validateInst = v
	})

	return validateInst
}

// GetValidator returns a configured validator instance for use outside the config package.
func GetValidator() *validator.Validate {
	return validatorInstance()
}

// Validate checks the resolved installation.
func Validate(cfg *Installation) error {
	if cfg == nil {
		return apperrors.NewValidationError("config", "configuration is nil", nil)
	}
	if err := validatorInstance().Struct(cfg); err != nil {
		return convertValidationError(err)
	}
	return nil
}

func convertValidationError(err error) error {
	if err == nil {
		return nil
	}

	if ves, ok := err.(validator.ValidationErrors); ok {
		ve := ves[0]
		field := flagName(ve.StructField())
		return apperrors.NewValidationError(field, describeTag(ve), err)
	}

	return apperrors.NewValidationError("config", err.Error(), err)
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "abspath":
		return fmt.Sprintf("must be an absolute path, got %q", fe.Value())
	case "pgident":
		return fmt.Sprintf("must be a lowercase PostgreSQL identifier, got %q", fe.Value())
	case "ipv4":
		return fmt.Sprintf("must be an IPv4 address, got %q", fe.Value())
	case "min", "max":
		return fmt.Sprintf("must be between 1 and 65535, got %v", fe.Value())
	case "nefield":
		return fmt.Sprintf("must differ from %s", flagName(fe.Param()))
	case "hostname_rfc1123":
		return fmt.Sprintf("must be a hostname or IP address, got %q", fe.Value())
	default:
		return fmt.Sprintf("failed validation for tag '%s'", fe.Tag())
	}
}

// flagName turns a Go field name into the matching CLI flag name,
// e.g. DBPassword -> db-password.
func flagName(field string) string {
	var b strings.Builder
	runes := []rune(field)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('-')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
