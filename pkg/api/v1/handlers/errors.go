package handlers

// Common error messages
const (
	ErrMsgInvalidProduct     = "Invalid product type"
	ErrMsgInvalidBatchNumber = "Batch number must be a non-negative integer"
	ErrMsgNegativePagination = "Limit must be positive and offset non-negative"
)

// Plugin error messages
const (
	ErrMsgPluginNotFound   = "Plugin not found"
	ErrMsgAddonKeyRequired = "Addon key is required"
)
