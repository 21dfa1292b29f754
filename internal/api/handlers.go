package api

import (
	"tasksync/internal/store"

	"github.com/gofiber/fiber/v2"
)

func (s *Server) health(c *fiber.Ctx) error {
	report := s.service.HealthCheck(c.UserContext())

	status := fiber.StatusOK
	if !report.Healthy() {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"healthy": report.Healthy(),
		"checks":  report,
	})
}

func (s *Server) stats(c *fiber.Ctx) error {
	stats, err := s.service.GetSystemStats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

func (s *Server) sync(c *fiber.Ctx) error {
	result, err := s.service.ForceSyncAll(c.UserContext())
	if err != nil {
		return err
	}

	status := fiber.StatusOK
	if !result.Success() {
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(result)
}

type taskResponse struct {
	Task  *store.Task           `json:"task"`
	Steps []store.ExecutionStep `json:"steps"`
}

func (s *Server) getTask(c *fiber.Ctx) error {
	task, steps, err := s.service.GetTask(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if steps == nil {
		steps = []store.ExecutionStep{}
	}
	return c.JSON(taskResponse{Task: task, Steps: steps})
}

func (s *Server) cancelTask(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.service.CancelTask(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"id": id, "status": store.StatusCancelled})
}
