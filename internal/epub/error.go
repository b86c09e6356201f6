package epub

import "fmt"

func errorf(typeMethod, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/quillon/shelfd/internal/epub."+typeMethod+": "+format, a...)
}
