package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/volatilevault/vault/internal/extension"
)

type configResponse struct {
	Message  string           `json:"message"`
	Storages []extension.Info `json:"storages"`
	Exfils   []extension.Info `json:"exfils"`
}

func (s *Server) installRoutes(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/config", s.handleConfig)
	api.Get("/storages", s.handleStorages)

	for _, e := range s.registry.Exfils() {
		e.Mount(api)
	}

	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not found")
	})
}

// handleConfig describes every configured extension so clients can pick a route.
func (s *Server) handleConfig(c *fiber.Ctx) error {
	return c.JSON(configResponse{
		Message:  "Request successful",
		Storages: nonNilInfos(s.registry.StorageInfos()),
		Exfils:   nonNilInfos(s.registry.ExfilInfos()),
	})
}

func (s *Server) handleStorages(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message":  "Request successful",
		"storages": nonNilInfos(s.registry.StorageInfos()),
	})
}

func nonNilInfos(infos []extension.Info) []extension.Info {
	if infos == nil {
		return []extension.Info{}
	}
	return infos
}
