package controller

import (
	"errors"

	"outreachd/engine"
	"outreachd/middleware"
	"outreachd/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type EnrollmentController struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Logger *logrus.Entry
}

func NewEnrollmentController(db *gorm.DB, eng *engine.Engine, logger *logrus.Logger) *EnrollmentController {
	return &EnrollmentController{
		DB:     db,
		Engine: eng,
		Logger: logger.WithField("component", "enrollment_controller"),
	}
}

// Enroll enrolls a single contact into a sequence.
func (ec *EnrollmentController) Enroll(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var input struct {
		SequenceID       uint              `json:"sequence_id" validate:"required"`
		ContactID        uint              `json:"contact_id" validate:"required"`
		ConnectionID     uint              `json:"connection_id" validate:"required"`
		Variables        map[string]string `json:"variables"`
		StartImmediately bool              `json:"start_immediately"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	enrollment, err := ec.Engine.Enroll(userID, engine.EnrollParams{
		SequenceID:       input.SequenceID,
		ContactID:        input.ContactID,
		ConnectionID:     input.ConnectionID,
		Variables:        input.Variables,
		StartImmediately: input.StartImmediately,
	})
	if err != nil {
		return enrollmentError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

// BulkEnroll enrolls a list of contacts; per-contact failures come back in
// the result rather than failing the call.
func (ec *EnrollmentController) BulkEnroll(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var input struct {
		SequenceID   uint              `json:"sequence_id" validate:"required"`
		ContactIDs   []uint            `json:"contact_ids" validate:"required,min=1"`
		ConnectionID uint              `json:"connection_id" validate:"required"`
		Variables    map[string]string `json:"variables"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	result, err := ec.Engine.BulkEnroll(userID, input.SequenceID, input.ContactIDs, input.ConnectionID, input.Variables)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Bulk enrollment failed",
		})
	}
	return c.JSON(utils.SuccessResponse(result))
}

// SetStatus pauses, resumes or cancels an enrollment.
func (ec *EnrollmentController) SetStatus(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	enrollmentID := utils.ParseUint(c.Params("id"))

	var input struct {
		Status string `json:"status" validate:"required,oneof=active paused cancelled"`
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if err := ec.Engine.SetStatus(userID, enrollmentID, input.Status, input.Reason); err != nil {
		return enrollmentError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Enrollment status updated"})
}

// GetEnrollment returns one enrollment.
func (ec *EnrollmentController) GetEnrollment(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	enrollment, err := ec.Engine.GetEnrollment(userID, utils.ParseUint(c.Params("id")))
	if err != nil {
		return enrollmentError(c, err)
	}
	return c.JSON(enrollment)
}

// ListEvents returns the enrollment's audit trail.
func (ec *EnrollmentController) ListEvents(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	events, err := ec.Engine.ListEvents(userID, utils.ParseUint(c.Params("id")))
	if err != nil {
		return enrollmentError(c, err)
	}
	return c.JSON(events)
}

// enrollmentError maps engine errors to HTTP statuses.
func enrollmentError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, engine.ErrEnrollmentNotFound),
		errors.Is(err, engine.ErrSequenceNotFound),
		errors.Is(err, engine.ErrContactNotFound),
		errors.Is(err, engine.ErrConnectionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, engine.ErrAlreadyEnrolled):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, engine.ErrSequenceNotActive),
		errors.Is(err, engine.ErrSequenceNoSteps),
		errors.Is(err, engine.ErrNoEmailAddress),
		errors.Is(err, engine.ErrContactUnsubscribed),
		errors.Is(err, engine.ErrConnectionInactive),
		errors.Is(err, engine.ErrInvalidTransition):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
}
