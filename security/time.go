package security

import "time"

// DefaultClockSkewGracePeriod is the grace period applied to expiry checks.
// Authorization state is shared by multiple server instances whose clocks may
// drift slightly; 5 seconds covers typical NTP drift without meaningfully
// extending token lifetime.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpiredWithGracePeriod checks expiry with a custom grace period.
// A zero expiresAt means no expiration.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
