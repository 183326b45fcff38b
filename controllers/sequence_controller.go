package controller

import (
	"errors"

	"outreachd/middleware"
	"outreachd/models"
	"outreachd/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type SequenceController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewSequenceController(db *gorm.DB, logger *logrus.Logger) *SequenceController {
	return &SequenceController{
		DB:     db,
		Logger: logger.WithField("component", "sequence_controller"),
	}
}

type sequenceStepInput struct {
	StepType   string `json:"step_type"`
	DelayDays  int    `json:"delay_days" validate:"min=0"`
	DelayHours int    `json:"delay_hours" validate:"min=0"`
	Subject    string `json:"subject"`
	BodyHTML   string `json:"body_html"`
	BodyText   string `json:"body_text"`
	IsEnabled  *bool  `json:"is_enabled"`
}

func (in *sequenceStepInput) toStep() models.SequenceStep {
	step := models.SequenceStep{
		StepType:   in.StepType,
		DelayDays:  in.DelayDays,
		DelayHours: in.DelayHours,
		Subject:    in.Subject,
		BodyHTML:   in.BodyHTML,
		BodyText:   in.BodyText,
		IsEnabled:  true,
	}
	if step.StepType == "" {
		step.StepType = models.StepTypeEmail
	}
	if in.IsEnabled != nil {
		step.IsEnabled = *in.IsEnabled
	}
	return step
}

// CreateSequence creates a sequence in draft, optionally with its steps.
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var input struct {
		Name        string              `json:"name" validate:"required"`
		Description string              `json:"description"`
		Steps       []sequenceStepInput `json:"steps" validate:"dive"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	sequence := models.Sequence{
		UserID:      userID,
		Name:        input.Name,
		Description: input.Description,
		Status:      models.SequenceStatusDraft,
	}

	err := sc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sequence).Error; err != nil {
			return err
		}
		for i, stepInput := range input.Steps {
			step := stepInput.toStep()
			step.SequenceID = sequence.ID
			step.StepNumber = i + 1
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create sequence",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sequence))
}

// GetSequences lists the user's sequences.
func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var sequences []models.Sequence
	if err := sc.DB.Where("user_id = ?", userID).Find(&sequences).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch sequences",
		})
	}
	return c.JSON(sequences)
}

// GetSequence returns one sequence with its steps in order.
func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var sequence models.Sequence
	err := sc.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_number ASC")
	}).Where("id = ? AND user_id = ?", c.Params("id"), userID).First(&sequence).Error
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}
	return c.JSON(sequence)
}

// UpdateSequence updates name, description and status.
func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var sequence models.Sequence
	if err := sc.DB.Where("id = ? AND user_id = ?", c.Params("id"), userID).First(&sequence).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	var input struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Status      string `json:"status" validate:"omitempty,oneof=draft active paused archived"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if input.Name != "" {
		sequence.Name = input.Name
	}
	if input.Description != "" {
		sequence.Description = input.Description
	}
	if input.Status != "" {
		if input.Status == models.SequenceStatusActive {
			var steps int64
			sc.DB.Model(&models.SequenceStep{}).Where("sequence_id = ?", sequence.ID).Count(&steps)
			if steps == 0 {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Cannot activate a sequence without steps",
				})
			}
		}
		sequence.Status = input.Status
	}

	if err := sc.DB.Save(&sequence).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update sequence",
		})
	}
	return c.JSON(utils.SuccessResponse(sequence))
}

// DeleteSequence removes a sequence. Blocked while it still has active or
// paused enrollments.
func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var sequence models.Sequence
	if err := sc.DB.Where("id = ? AND user_id = ?", c.Params("id"), userID).First(&sequence).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	var inFlight int64
	if err := sc.DB.Model(&models.SequenceEnrollment{}).
		Where("sequence_id = ? AND status IN ?", sequence.ID,
			[]string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused}).
		Count(&inFlight).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to check enrollments",
		})
	}
	if inFlight > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Sequence has in-flight enrollments; cancel them first",
		})
	}

	err := sc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sequence_id = ?", sequence.ID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		return tx.Delete(&sequence).Error
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete sequence",
		})
	}
	return c.JSON(fiber.Map{"message": "Sequence deleted"})
}

// AddStep appends a step at the end of the sequence.
func (sc *SequenceController) AddStep(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var sequence models.Sequence
	if err := sc.DB.Where("id = ? AND user_id = ?", c.Params("id"), userID).First(&sequence).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	var input sequenceStepInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	var maxNumber int
	sc.DB.Model(&models.SequenceStep{}).Where("sequence_id = ?", sequence.ID).
		Select("COALESCE(MAX(step_number), 0)").Scan(&maxNumber)

	step := input.toStep()
	step.SequenceID = sequence.ID
	step.StepNumber = maxNumber + 1

	if err := sc.DB.Create(&step).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create step",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(step))
}

// UpdateStep edits a step's content and flags. Step numbers are not editable
// here; ordering changes never move in-flight enrollment pointers.
func (sc *SequenceController) UpdateStep(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	step, err := sc.findStep(c.Params("id"), c.Params("stepID"), userID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Step not found",
		})
	}

	var input sequenceStepInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if input.StepType != "" {
		step.StepType = input.StepType
	}
	if input.Subject != "" {
		step.Subject = input.Subject
	}
	if input.BodyHTML != "" {
		step.BodyHTML = input.BodyHTML
	}
	if input.BodyText != "" {
		step.BodyText = input.BodyText
	}
	if input.DelayDays >= 0 {
		step.DelayDays = input.DelayDays
	}
	if input.DelayHours >= 0 {
		step.DelayHours = input.DelayHours
	}
	if input.IsEnabled != nil {
		step.IsEnabled = *input.IsEnabled
	}

	if err := sc.DB.Save(step).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update step",
		})
	}
	return c.JSON(utils.SuccessResponse(step))
}

// DeleteStep removes a step and renumbers the ones after it so step numbers
// stay contiguous.
func (sc *SequenceController) DeleteStep(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	step, err := sc.findStep(c.Params("id"), c.Params("stepID"), userID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Step not found",
		})
	}

	err = sc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(step).Error; err != nil {
			return err
		}
		return tx.Model(&models.SequenceStep{}).
			Where("sequence_id = ? AND step_number > ?", step.SequenceID, step.StepNumber).
			Update("step_number", gorm.Expr("step_number - 1")).Error
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete step",
		})
	}
	return c.JSON(fiber.Map{"message": "Step deleted"})
}

func (sc *SequenceController) findStep(sequenceID, stepID string, userID uint) (*models.SequenceStep, error) {
	var sequence models.Sequence
	if err := sc.DB.Where("id = ? AND user_id = ?", sequenceID, userID).First(&sequence).Error; err != nil {
		return nil, err
	}
	var step models.SequenceStep
	if err := sc.DB.Where("id = ? AND sequence_id = ?", stepID, sequence.ID).First(&step).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, err
	}
	return &step, nil
}
