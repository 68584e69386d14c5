package projection

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewPayloadValidator returns a validator that reports fields by their JSON
// name, so invalid-event reasons match the payload schema.
func NewPayloadValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodePayload unmarshals raw into dst and checks its validate tags.
// Required fields are declared as pointers so presence is checked, not
// zero-ness.
func DecodePayload(v *validator.Validate, raw []byte, dst any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", strings.TrimPrefix(fe.Namespace(), reflect.TypeOf(dst).Elem().Name()+"."), fe.Tag()))
			}
			return fmt.Errorf("missing or invalid fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}
