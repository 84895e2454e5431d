package vault

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/luxfi/perpvault/pkg/types"
)

var ErrNoFastFeed = types.Validation("no_fast_feed", "fast price feed is not configured")

// Rejection is returned for every operation that did not commit. Nothing was changed.
type Rejection struct {
	Op   string
	Kind types.ErrorKind
	Code string
	Err  error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s rejected (%s/%s): %v", r.Op, r.Kind, r.Code, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

// reject classifies err and adds the operation context.
func reject(op string, err error) *Rejection {
	r := &Rejection{Op: op, Kind: types.KindValidation, Code: "internal", Err: errors.Wrap(err, op)}
	var e *types.Error
	if errors.As(err, &e) {
		r.Kind = e.Kind
		r.Code = e.Code
	}
	return r
}

// IsRejection reports whether err is a rejection with the given code.
func IsRejection(err error, code string) bool {
	var r *Rejection
	return errors.As(err, &r) && r.Code == code
}
