package fakeserver

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/birbparty/fmdapi/internal/telemetry"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"
)

const localsSession = "session"

// setupMiddleware configures the middleware shared by every route
func setupMiddleware(app *fiber.App, log logrus.FieldLogger) {
	app.Use(requestid.New())

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(telemetry.FiberMetricsMiddleware())
	app.Use(telemetry.FiberLoggingMiddleware(log))

	app.Use(timingMiddleware())
}

// errorHandler renders every error as a Data API envelope
func errorHandler(log logrus.FieldLogger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		code := CodeUnsupported
		message := "Internal Server Error"

		var apiErr *APIError
		var fiberErr *fiber.Error
		switch {
		case errors.As(err, &apiErr):
			status, code, message = apiErr.Status, apiErr.Code, apiErr.Message
		case errors.As(err, &fiberErr):
			status, message = fiberErr.Code, fiberErr.Message
			if status == fiber.StatusBadRequest {
				code = CodeInvalidParameter
			}
		default:
			log.WithError(err).WithFields(logrus.Fields{
				"path":   c.Path(),
				"method": c.Method(),
			}).Error("Unhandled handler error")
		}

		return c.Status(status).JSON(Fail(code, message))
	}
}

// timingMiddleware adds request timing headers
func timingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		c.Set("X-Response-Time", fmt.Sprintf("%d ms", time.Since(start).Milliseconds()))
		return err
	}
}

// checkVersion rejects unknown API version segments
func checkVersion(c *fiber.Ctx) error {
	switch c.Params("version") {
	case "v1", "v2", "vLatest":
		return c.Next()
	}
	return errUnsupported
}

// requireDatabase rejects requests naming another hosted file
func (h *Handler) requireDatabase(c *fiber.Ctx) error {
	name, err := param(c, "database")
	if err != nil {
		return err
	}
	if !strings.EqualFold(name, h.store.Database()) {
		return errDatabase
	}
	return c.Next()
}

// requireSession accepts requests with a live bearer token and renews it
func (h *Handler) requireSession(c *fiber.Ctx) error {
	token, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
	if !ok {
		return errInvalidToken
	}
	sess := h.sessions.Touch(token)
	if sess == nil {
		return errInvalidToken
	}
	c.Locals(localsSession, sess)
	return c.Next()
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func basicCredentials(header string) (string, string, bool) {
	const prefix = "Basic "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(decoded), ":")
}

// param returns a decoded path parameter
func param(c *fiber.Ctx, name string) (string, error) {
	value, err := url.PathUnescape(c.Params(name))
	if err != nil {
		return "", errInvalidParameter(name)
	}
	return value, nil
}
