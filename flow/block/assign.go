package block

import (
	"errors"
	"fmt"

	"github.com/dshills/pipeflow/flow/schema"
)

// ErrUndeclaredInput is returned when assigning into a property the target
// block has not declared as an input.
var ErrUndeclaredInput = errors.New("property is not a declared input")

// Assign sets an input property of target.
func Assign(target Block, property string, value interface{}) error {
	b := target.Common()
	if b.Item == nil || !b.Item.HasInput(property) {
		return fmt.Errorf("%w: %s.%s", ErrUndeclaredInput, b.Name, property)
	}
	if b.Args == nil {
		b.Args = map[string]interface{}{}
	}
	b.Args[property] = value
	return nil
}

func propertyOf(err error) string {
	var se *schema.Error
	if errors.As(err, &se) {
		return se.Property
	}
	return ""
}
