// Package middleware rate limits unauthenticated HTTP routes by client IP.
//
// LocalLimiter keeps token buckets in process. RedisLimiter counts requests per
// fixed window in Redis so every instance shares one budget.
//
//	limiter := middleware.NewRedisLimiter(client, middleware.DefaultRateLimitConfig(), "rentbill:ratelimit:pricing")
//	router.Use(middleware.RateLimit(limiter, logger))
//
// Redis errors fail open: the request is served and the error logged.
package middleware
