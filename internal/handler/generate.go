package handler

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/melodygen/api/internal/client"
	"github.com/melodygen/api/internal/middleware"
	"github.com/melodygen/api/internal/model"
	"github.com/melodygen/api/internal/service"
	"github.com/melodygen/api/internal/store"
	"github.com/melodygen/api/pkg/response"
)

type GenerateHandler struct {
	service   *service.GenerateService
	validator *validator.Validate
}

func NewGenerateHandler(svc *service.GenerateService, v *validator.Validate) *GenerateHandler {
	return &GenerateHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/music/generate
func (h *GenerateHandler) Generate(c *fiber.Ctx) error {
	req, err := parseGenerateRequest(c)
	if err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Generate(c.Context(), middleware.GetUserID(c), req)
	if err != nil {
		switch {
		case errors.Is(err, client.ErrProviderQuota):
			return response.ProviderQuota(c, "Generation credits exhausted")
		case errors.Is(err, client.ErrProviderAuth):
			return response.ProviderAuth(c, "Generation provider rejected our credentials")
		case errors.Is(err, client.ErrProviderTransient):
			return response.ProviderUnavailable(c, "Generation provider is unavailable, try again")
		}
		return response.ServiceError(c, err.Error())
	}

	if result.Outcome == model.OutcomePending {
		return response.Accepted(c, result)
	}
	return response.OK(c, result)
}

// parseGenerateRequest accepts either a JSON body or a bare text body;
// older clients POST the prompt as plain text.
func parseGenerateRequest(c *fiber.Ctx) (*model.GenerateRequest, error) {
	var req model.GenerateRequest

	body := c.Body()
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, errors.New("empty body")
	}

	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	req.Prompt = trimmed
	return &req, nil
}

// GetTrack handles GET /api/music/tracks/:trackId
func (h *GenerateHandler) GetTrack(c *fiber.Ctx) error {
	trackID := c.Params("trackId")
	if trackID == "" {
		return response.ValidationError(c, "Track ID is required", nil)
	}

	result, err := h.service.GetTrack(c.Context(), trackID)
	if err != nil {
		if errors.Is(err, store.ErrTrackNotFound) || errors.Is(err, store.ErrJobNotFound) {
			return response.NotFound(c, "Track not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// ListTracks handles GET /api/music/tracks
func (h *GenerateHandler) ListTracks(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)

	result, err := h.service.ListTracks(c.Context(), limit)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// TaskStatus handles GET /api/music/tasks/:taskId
func (h *GenerateHandler) TaskStatus(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	result, err := h.service.TaskStatus(c.Context(), taskID)
	if err != nil {
		return response.ProviderUnavailable(c, err.Error())
	}

	return response.OK(c, result)
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
