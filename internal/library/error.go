package library

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by store lookups that match no book.
var ErrNotFound = errors.New("book not found")

func errorf(typeMethod, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/quillon/shelfd/internal/library."+typeMethod+": "+format, a...)
}
