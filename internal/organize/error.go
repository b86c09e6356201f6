package organize

import (
	"errors"
	"fmt"
)

// ErrExhaustedUniqueNames means a thousand numbered siblings of the
// collision target already exist.
var ErrExhaustedUniqueNames = errors.New("could not generate unique path")

func errorf(typeMethod, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/quillon/shelfd/internal/organize."+typeMethod+": "+format, a...)
}
