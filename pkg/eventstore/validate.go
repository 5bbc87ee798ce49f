package eventstore

import (
	"fmt"
	"reflect"

	"github.com/asaskevich/govalidator"

	"github.com/plaenen/evstore/pkg/domain"
)

// validatePayload applies govalidator struct tags. Non-struct payloads have
// no rules and always pass.
func validatePayload(data any) error {
	v := reflect.ValueOf(data)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return fmt.Errorf("%w: nil payload", domain.ErrInvalidPayload)
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	if _, err := govalidator.ValidateStruct(v.Interface()); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}
