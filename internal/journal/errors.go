package journal

import "errors"

var (
	// ErrNonMonotonicTimestamp is returned by Append when the supplied
	// timestamp is smaller than the last timestamp accepted for this site.
	ErrNonMonotonicTimestamp = errors.New("journal: timestamp is not monotonic for this site")

	// ErrClosed is returned by operations on a Journal that has been closed.
	ErrClosed = errors.New("journal: closed")
)
