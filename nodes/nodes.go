package nodes

import (
	"errors"
	"time"

	"github.com/inboxflow/inboxflow/memory"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

func isNotFound(err error) bool {
	return errors.Is(err, memory.ErrNotFound)
}
