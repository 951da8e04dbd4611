package store

import (
	"time"

	"github.com/mcclellann/microcredit/pkg/sequence"
)

// Codes builds the code generator for one unit of work. A non-nil shared
// allocator (Redis) wins; otherwise numbers come from tx, so they roll back
// with it.
func Codes(tx Tx, shared sequence.Allocator, now func() time.Time) *sequence.Codes {
	if shared != nil {
		return sequence.NewCodes(shared, now)
	}
	return sequence.NewCodes(tx, now)
}
