package routes

import (
	controller "outreachd/controllers"
	"outreachd/engine"
	"outreachd/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SetupRoutes registers the full API surface over the enrollment engine.
func SetupRoutes(app *fiber.App, db *gorm.DB, eng *engine.Engine, log *logrus.Logger) {
	sequenceController := controller.NewSequenceController(db, log)
	enrollmentController := controller.NewEnrollmentController(db, eng, log)
	contactController := controller.NewContactController(db, eng, log)
	connectionController := controller.NewConnectionController(db, log)
	inboundController := controller.NewInboundController(db, eng, log)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sequence editor
	sequence := api.Group("/sequences")
	sequence.Post("/", sequenceController.CreateSequence)
	sequence.Get("/", sequenceController.GetSequences)
	sequence.Get("/:id", sequenceController.GetSequence)
	sequence.Put("/:id", sequenceController.UpdateSequence)
	sequence.Delete("/:id", sequenceController.DeleteSequence)
	sequence.Post("/:id/steps", sequenceController.AddStep)
	sequence.Put("/:id/steps/:stepID", sequenceController.UpdateStep)
	sequence.Delete("/:id/steps/:stepID", sequenceController.DeleteStep)

	// Enrollments, rate-limited because bulk calls fan out
	enrollment := api.Group("/enrollments", middleware.EnrollRateLimiter())
	enrollment.Post("/", enrollmentController.Enroll)
	enrollment.Post("/bulk", enrollmentController.BulkEnroll)
	enrollment.Get("/:id", enrollmentController.GetEnrollment)
	enrollment.Put("/:id/status", enrollmentController.SetStatus)
	enrollment.Get("/:id/events", enrollmentController.ListEvents)

	// Contacts
	contact := api.Group("/contacts")
	contact.Post("/", contactController.CreateContact)
	contact.Get("/", contactController.GetContacts)
	contact.Get("/:id", contactController.GetContact)
	contact.Delete("/:id", contactController.DeleteContact)
	contact.Post("/:id/unsubscribe", contactController.Unsubscribe)

	// Email connections
	connection := api.Group("/connections")
	connection.Post("/", connectionController.CreateConnection)
	connection.Get("/", connectionController.GetConnections)
	connection.Put("/:id", connectionController.UpdateConnection)
	connection.Delete("/:id", connectionController.DeleteConnection)

	// Hook for the mail-sync pipeline
	api.Post("/inbound", inboundController.HandleInbound)

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
