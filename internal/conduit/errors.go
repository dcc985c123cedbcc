package conduit

import "errors"

var (
	// ErrSiteMismatch is returned by VerifyBatch when the batch's declared
	// source_site_id does not equal the transport-authenticated identity,
	// per spec.md §4.4.
	ErrSiteMismatch = errors.New("conduit: declared source_site_id does not match authenticated peer identity")

	// ErrIntegrityTagInvalid is returned by VerifyBatch when the HMAC
	// integrity tag does not match the batch's entries.
	ErrIntegrityTagInvalid = errors.New("conduit: integrity tag verification failed")

	// ErrQueueFull is returned by Receiver.Enqueue when the bounded
	// receive queue has no room, implementing spec.md §9's "receive-side
	// rate limit + bounded channel; backpressure propagates to the
	// sender by refusing batches."
	ErrQueueFull = errors.New("conduit: receive queue is full")

	// ErrClosed is returned by operations on a closed Receiver.
	ErrClosed = errors.New("conduit: closed")
)
