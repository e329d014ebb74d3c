package forecast

import (
	"fmt"
	"time"
)

// MaxCacheTTL bounds how long a cached forecast may be reused
const MaxCacheTTL = 24 * time.Hour

// CacheKey identifies a forecast by pair and as-of day
func CacheKey(productID, locationID int64, asOf time.Time) string {
	return fmt.Sprintf("forecast:%d:%d:%s", productID, locationID, truncateDay(asOf).Format("20060102"))
}

// ClampTTL keeps a configured TTL within (0, MaxCacheTTL]
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > MaxCacheTTL {
		return MaxCacheTTL
	}
	return ttl
}
