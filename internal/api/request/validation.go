package request

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// Server names become container name fragments and log labels, so they are
// held to hostname-ish rules.
var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return nameRegex.MatchString(fl.Field().String())
	})
	return v
}

// Decode unmarshals the request body into v and runs struct validation.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// RequireID rejects an empty path identifier.
func RequireID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("missing required ID")
	}
	return id, nil
}
