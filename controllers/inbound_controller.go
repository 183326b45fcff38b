package controller

import (
	"outreachd/engine"
	"outreachd/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type InboundController struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Logger *logrus.Entry
}

func NewInboundController(db *gorm.DB, eng *engine.Engine, logger *logrus.Logger) *InboundController {
	return &InboundController{
		DB:     db,
		Engine: eng,
		Logger: logger.WithField("component", "inbound_controller"),
	}
}

// HandleInbound is the hook the mail-sync pipeline posts newly-synced inbound
// messages to. A match stops the owning enrollment via the reply detector.
func (ic *InboundController) HandleInbound(c *fiber.Ctx) error {
	var input struct {
		ThreadID  string `json:"thread_id" validate:"required"`
		MessageID string `json:"message_id"`
		From      string `json:"from"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	matched, err := ic.Engine.OnInboundMessage(input.ThreadID, input.MessageID, input.From)
	if err != nil {
		ic.Logger.WithError(err).Error("reply detection failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process inbound message",
		})
	}

	return c.JSON(fiber.Map{"matched": matched})
}
