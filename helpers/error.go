package helpers

import (
	"go.uber.org/multierr"
)

// FoldErrors returns nil for empty or all-nil list.
// Use multierr.Errors(err) to split back.
func FoldErrors(errs []error) error {
	return multierr.Combine(errs...)
}
