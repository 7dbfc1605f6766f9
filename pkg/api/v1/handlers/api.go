// Package handlers provides HTTP request handling
package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/dcmirror/dcmirror/internal/db/models"
	"github.com/dcmirror/dcmirror/internal/services"
)

// APIHandler carries the shared dependencies for all route handlers
type APIHandler struct {
	registry *services.Registry
}

// NewAPIHandler creates the root handler over the service registry
func NewAPIHandler(registry *services.Registry) *APIHandler {
	return &APIHandler{registry: registry}
}

// Response is the JSON envelope for every endpoint
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func respondOK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(Response{Success: true, Data: data})
}

func respondError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(Response{Success: false, Error: message})
}

// respondServiceError maps pipeline sentinel errors onto HTTP statuses
func respondServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrAlreadyRunning):
		return respondError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, services.ErrNotPaused):
		return respondError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, services.ErrNoJob):
		return respondError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrAddonNotFound):
		return respondError(c, fiber.StatusNotFound, err.Error())
	default:
		return respondError(c, fiber.StatusInternalServerError, err.Error())
	}
}

// productFromQuery resolves the ?product= query parameter, defaulting to JIRA
func (h *APIHandler) productFromQuery(c *fiber.Ctx) (models.ProductType, error) {
	raw := c.Query("product", string(models.ProductJira))
	product, err := models.ParseProductType(raw)
	if err != nil {
		return "", err
	}
	return product, nil
}

// set resolves the sync set for the request's product
func (h *APIHandler) set(c *fiber.Ctx) (*services.SyncSet, models.ProductType, error) {
	product, err := h.productFromQuery(c)
	if err != nil {
		return nil, "", err
	}
	return h.registry.Set(product), product, nil
}
