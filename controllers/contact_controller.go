package controller

import (
	"outreachd/engine"
	"outreachd/middleware"
	"outreachd/models"
	"outreachd/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ContactController struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Logger *logrus.Entry
}

func NewContactController(db *gorm.DB, eng *engine.Engine, logger *logrus.Logger) *ContactController {
	return &ContactController{
		DB:     db,
		Engine: eng,
		Logger: logger.WithField("component", "contact_controller"),
	}
}

// CreateContact adds a contact.
func (cc *ContactController) CreateContact(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var input struct {
		Email     string `json:"email" validate:"required,email"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Company   string `json:"company"`
		Position  string `json:"position"`
		Phone     string `json:"phone"`
		Source    string `json:"source"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	contact := models.Contact{
		UserID:    userID,
		Email:     input.Email,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Company:   input.Company,
		Position:  input.Position,
		Phone:     input.Phone,
		Source:    input.Source,
	}
	if err := cc.DB.Create(&contact).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create contact",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(contact))
}

// GetContacts lists the user's contacts.
func (cc *ContactController) GetContacts(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var contacts []models.Contact
	if err := cc.DB.Where("user_id = ?", userID).Find(&contacts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch contacts",
		})
	}
	return c.JSON(contacts)
}

// GetContact returns one contact.
func (cc *ContactController) GetContact(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var contact models.Contact
	if err := cc.DB.Where("id = ? AND user_id = ?", c.Params("id"), userID).First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}
	return c.JSON(contact)
}

// DeleteContact removes a contact that has no in-flight enrollments.
func (cc *ContactController) DeleteContact(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var contact models.Contact
	if err := cc.DB.Where("id = ? AND user_id = ?", c.Params("id"), userID).First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	var inFlight int64
	cc.DB.Model(&models.SequenceEnrollment{}).
		Where("contact_id = ? AND status IN ?", contact.ID,
			[]string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused}).
		Count(&inFlight)
	if inFlight > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Contact has in-flight enrollments; cancel them first",
		})
	}

	if err := cc.DB.Delete(&contact).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete contact",
		})
	}
	return c.JSON(fiber.Map{"message": "Contact deleted"})
}

// Unsubscribe flags the contact and stops all of its running enrollments.
func (cc *ContactController) Unsubscribe(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	if err := cc.Engine.UnsubscribeContact(userID, utils.ParseUint(c.Params("id"))); err != nil {
		return enrollmentError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Contact unsubscribed"})
}
