package pkgio

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
)

// Close closes all the closers, even when some of them fail, and
// aggregates the errors.
func Close(closers ...io.Closer) error {
	var result *multierror.Error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("error closing %T: %w", c, err))
		}
	}
	return result.ErrorOrNil()
}
