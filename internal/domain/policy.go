package domain

import "time"

// IsExpired is the timeout policy: a PENDING order whose window has closed at now.
// It reads only the frozen ExpiresAt, never the configured grace period.
func IsExpired(o PaymentOrder, now time.Time) bool {
	return o.State == OrderPending && !now.Before(o.ExpiresAt)
}
