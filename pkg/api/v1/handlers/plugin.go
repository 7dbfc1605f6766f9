package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/dcmirror/dcmirror/internal/db/models"
)

// PluginHandler serves the mirrored catalog read API
type PluginHandler struct {
	*APIHandler
}

// NewPluginHandler creates a new PluginHandler instance
func NewPluginHandler(api *APIHandler) *PluginHandler {
	return &PluginHandler{APIHandler: api}
}

// ListPlugins returns a page of mirrored plugins for a product
func (h *PluginHandler) ListPlugins(c *fiber.Ctx) error {
	product, err := h.productFromQuery(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}

	opts := &models.ListOptions{
		Limit:  c.QueryInt("limit", models.DefaultLimit),
		Offset: c.QueryInt("offset", 0),
	}
	if opts.Limit <= 0 || opts.Offset < 0 {
		return respondError(c, fiber.StatusBadRequest, ErrMsgNegativePagination)
	}

	plugins, err := h.registry.Plugins.List(c.Context(), product, opts)
	if err != nil {
		return respondServiceError(c, err)
	}
	total, err := h.registry.Plugins.Count(c.Context(), product)
	if err != nil {
		return respondServiceError(c, err)
	}
	return respondOK(c, fiber.Map{"plugins": plugins, "total": total})
}

// GetPlugin returns a single mirrored plugin by addon key
func (h *PluginHandler) GetPlugin(c *fiber.Ctx) error {
	product, err := h.productFromQuery(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}

	plugin, err := h.registry.Plugins.GetByKey(c.Context(), c.Params("addonKey"), product)
	if err != nil {
		return respondServiceError(c, err)
	}
	if plugin == nil {
		return respondError(c, fiber.StatusNotFound, ErrMsgPluginNotFound)
	}
	return respondOK(c, plugin)
}

// GetPluginVersions returns the known versions of a mirrored plugin
func (h *PluginHandler) GetPluginVersions(c *fiber.Ctx) error {
	product, err := h.productFromQuery(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}

	plugin, err := h.registry.Plugins.GetByKey(c.Context(), c.Params("addonKey"), product)
	if err != nil {
		return respondServiceError(c, err)
	}
	if plugin == nil {
		return respondError(c, fiber.StatusNotFound, ErrMsgPluginNotFound)
	}

	versions, err := h.registry.Plugins.VersionsByPlugin(c.Context(), plugin.ID)
	if err != nil {
		return respondServiceError(c, err)
	}
	return respondOK(c, fiber.Map{"addonKey": plugin.AddonKey, "versions": versions})
}

// GetPluginFiles returns the download ledger rows for a mirrored plugin
func (h *PluginHandler) GetPluginFiles(c *fiber.Ctx) error {
	product, err := h.productFromQuery(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}

	plugin, err := h.registry.Plugins.GetByKey(c.Context(), c.Params("addonKey"), product)
	if err != nil {
		return respondServiceError(c, err)
	}
	if plugin == nil {
		return respondError(c, fiber.StatusNotFound, ErrMsgPluginNotFound)
	}

	files, err := h.registry.Files.ListByPlugin(c.Context(), plugin.ID)
	if err != nil {
		return respondServiceError(c, err)
	}
	return respondOK(c, fiber.Map{"addonKey": plugin.AddonKey, "files": files})
}

// ResyncPlugin refreshes one plugin's metadata from the upstream marketplace
func (h *PluginHandler) ResyncPlugin(c *fiber.Ctx) error {
	set, product, err := h.set(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}

	addonKey := c.Params("addonKey")
	if addonKey == "" {
		return respondError(c, fiber.StatusBadRequest, ErrMsgAddonKeyRequired)
	}
	if err := set.Metadata.ResyncPlugin(c.Context(), addonKey); err != nil {
		return respondServiceError(c, err)
	}
	return respondOK(c, fiber.Map{"message": "Plugin resynced", "addonKey": addonKey, "product": product})
}
