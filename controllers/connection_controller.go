package controller

import (
	"outreachd/middleware"
	"outreachd/models"
	"outreachd/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ConnectionController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewConnectionController(db *gorm.DB, logger *logrus.Logger) *ConnectionController {
	return &ConnectionController{
		DB:     db,
		Logger: logger.WithField("component", "connection_controller"),
	}
}

// CreateConnection registers a sending identity. Credentials are encrypted
// before they hit the database.
func (cc *ConnectionController) CreateConnection(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var input struct {
		Name         string `json:"name" validate:"required"`
		FromEmail    string `json:"from_email" validate:"required,email"`
		FromName     string `json:"from_name" validate:"required"`
		SMTPHost     string `json:"smtp_host" validate:"required"`
		SMTPPort     int    `json:"smtp_port"`
		SMTPUsername string `json:"smtp_username" validate:"required"`
		SMTPPassword string `json:"smtp_password" validate:"required"`
		Encryption   string `json:"encryption"`
		IMAPHost     string `json:"imap_host"`
		IMAPPort     int    `json:"imap_port"`
		IMAPUsername string `json:"imap_username"`
		IMAPPassword string `json:"imap_password"`
		DailyLimit   int    `json:"daily_limit"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	smtpPassword, err := utils.Encrypt(input.SMTPPassword)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to secure credentials",
		})
	}
	imapPassword, err := utils.Encrypt(input.IMAPPassword)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to secure credentials",
		})
	}

	connection := models.EmailConnection{
		UserID:       userID,
		Name:         input.Name,
		FromEmail:    input.FromEmail,
		FromName:     input.FromName,
		SMTPHost:     input.SMTPHost,
		SMTPPort:     input.SMTPPort,
		SMTPUsername: input.SMTPUsername,
		SMTPPassword: smtpPassword,
		IMAPHost:     input.IMAPHost,
		IMAPPort:     input.IMAPPort,
		IMAPUsername: input.IMAPUsername,
		IMAPPassword: imapPassword,
	}
	if input.SMTPPort == 0 {
		connection.SMTPPort = 587
	}
	if input.IMAPPort == 0 {
		connection.IMAPPort = 993
	}
	if input.Encryption != "" {
		connection.Encryption = input.Encryption
	}
	if input.DailyLimit > 0 {
		connection.DailyLimit = input.DailyLimit
	}

	if err := cc.DB.Create(&connection).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create connection",
		})
	}

	connection.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(connection))
}

// GetConnections lists the user's sending identities.
func (cc *ConnectionController) GetConnections(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var connections []models.EmailConnection
	if err := cc.DB.Where("user_id = ?", userID).Find(&connections).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch connections",
		})
	}
	for i := range connections {
		connections[i].Sanitize()
	}
	return c.JSON(connections)
}

// UpdateConnection edits limits and status flags.
func (cc *ConnectionController) UpdateConnection(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var connection models.EmailConnection
	if err := cc.DB.Where("id = ? AND user_id = ?", c.Params("id"), userID).First(&connection).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Connection not found",
		})
	}

	var input struct {
		Name       string `json:"name"`
		DailyLimit int    `json:"daily_limit"`
		IsActive   *bool  `json:"is_active"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if input.Name != "" {
		connection.Name = input.Name
	}
	if input.DailyLimit > 0 {
		connection.DailyLimit = input.DailyLimit
	}
	if input.IsActive != nil {
		connection.IsActive = *input.IsActive
	}

	if err := cc.DB.Save(&connection).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update connection",
		})
	}
	connection.Sanitize()
	return c.JSON(utils.SuccessResponse(connection))
}

// DeleteConnection removes a sending identity with no in-flight enrollments.
func (cc *ConnectionController) DeleteConnection(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var connection models.EmailConnection
	if err := cc.DB.Where("id = ? AND user_id = ?", c.Params("id"), userID).First(&connection).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Connection not found",
		})
	}

	var inFlight int64
	cc.DB.Model(&models.SequenceEnrollment{}).
		Where("connection_id = ? AND status IN ?", connection.ID,
			[]string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused}).
		Count(&inFlight)
	if inFlight > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Connection is used by in-flight enrollments",
		})
	}

	if err := cc.DB.Delete(&connection).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete connection",
		})
	}
	return c.JSON(fiber.Map{"message": "Connection deleted"})
}
