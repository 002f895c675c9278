package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"osfleet/internal/apperrors"
)

var validate = validator.New()

// Validate checks an entry against its schema.
func Validate(e Entry) error {
	err := validate.Struct(e)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperrors.Validation(string(e.EntryKind())+"."+strings.ToLower(fe.Field()),
			fmt.Sprintf("%s manifest %s: %s fails %q", e.EntryKind(), e.EntryID(), fe.Field(), fe.Tag()))
	}
	return apperrors.Internal("manifest.validate", err)
}

// safeName makes a resource name usable as part of a file name.
func safeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
}
