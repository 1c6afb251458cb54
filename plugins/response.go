package plugins

import "github.com/gofiber/fiber/v2"

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SendSuccess sends a successful response
func SendSuccess(c *fiber.Ctx, data interface{}, message string) error {
	return c.JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error response with an explicit status
func SendError(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   err.Error(),
		Kind:    ErrorKind(err),
	})
}

// SendFailure sends an error response whose status follows the error kind
func SendFailure(c *fiber.Ctx, err error, data interface{}) error {
	return c.Status(httpStatus(err)).JSON(APIResponse{
		Success: false,
		Data:    data,
		Error:   err.Error(),
		Kind:    ErrorKind(err),
	})
}

// SendErrorMessage sends an error response with a custom message
func SendErrorMessage(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   message,
	})
}
