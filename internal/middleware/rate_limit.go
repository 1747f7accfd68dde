package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// fixedWindow increments the counter and sets its expiry on the first hit in
// one round trip, so a crash between INCR and EXPIRE cannot leave a key that
// never expires.
var fixedWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// PaymentRateLimit limits payment attempts per caller (or IP when anonymous)
// to maxPerMin using Redis. Without Redis, or on cache errors, it fails open.
func PaymentRateLimit(cache *redis.Client, maxPerMin int, logger *slog.Logger) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 30
	}
	window := time.Minute
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		subject := CallerID(c)
		if subject == "" {
			subject = c.IP()
		}
		key := "rl:payments:" + subject

		res, err := fixedWindow.Run(c.UserContext(), cache, []string{key}, window.Milliseconds()).Int64Slice()
		if err != nil || len(res) != 2 {
			logger.Warn("rate limit check failed", slog.String("key", key), slog.Any("error", err))
			return c.Next()
		}
		if res[0] > int64(maxPerMin) {
			retry := time.Duration(res[1]) * time.Millisecond
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retry.Seconds())+1))
			return fiber.NewError(http.StatusTooManyRequests, "too many payment attempts, try again later")
		}
		return c.Next()
	}
}
