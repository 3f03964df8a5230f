package observability

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// HTTPMiddleware records latency and status for every request. The route
// pattern is used as the path label to keep cardinality bounded.
func HTTPMiddleware(m *Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		path := c.Route().Path
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.UserContext(), c.Method(), path, status, time.Since(start).Seconds())
		return err
	}
}
