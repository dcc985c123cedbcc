package authlimit

import "fmt"

// Blocked is returned by CheckAuthAttempt when a site is locked out after
// exceeding max_auth_attempts_per_minute.
type Blocked struct {
	Reason  string
	UntilUs uint64
}

func (e *Blocked) Error() string {
	return fmt.Sprintf("authlimit: blocked (%s) until %d", e.Reason, e.UntilUs)
}

// Throttled is returned by CheckBatch/CheckBytes when the batch or global
// byte-rate token bucket is exhausted.
type Throttled struct {
	WaitMs uint64
}

func (e *Throttled) Error() string {
	return fmt.Sprintf("authlimit: throttled, wait %dms", e.WaitMs)
}
