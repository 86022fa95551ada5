package blob

import (
	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/upload", authMiddleware, func(c *fiber.Ctx) error {
		var body struct {
			FileName    string `json:"file_name"`
			ContentType string `json:"content_type"`
			Data        []byte `json:"data"`
		}
		if err := c.BodyParser(&body); err != nil || len(body.Data) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "data required")
		}
		if body.FileName == "" {
			body.FileName = "upload"
		}
		userID, _ := c.Locals("user_id").(string)
		url, uri, err := svc.Upload(c.Context(), userID, body.FileName, body.ContentType, body.Data)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"url": url,
			"uri": uri,
		})
	})
}
