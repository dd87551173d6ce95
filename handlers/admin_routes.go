// handlers/admin_routes.go
package handlers

import (
	"pickleball-ranking-system/middleware"
	"pickleball-ranking-system/services"

	"github.com/gofiber/fiber/v2"
)

// SetupIntegrityRoutes exposes the administrative audit/cleanup surface.
// Both are batch operations, never live request-path work; cleanup always
// runs against a previously generated, reviewable plan.
func SetupIntegrityRoutes(app *fiber.App, auditor *services.AuditService, cleaner *services.CleanupService) {
	adminGroup := app.Group("/s/admin", middleware.UserContextMiddleware(), middleware.RequireRole("admin"))

	// runIntegrityAudit: read-only scan producing a reconciliation plan.
	adminGroup.Post("/integrity/audit", func(c *fiber.Ctx) error {
		plan, err := auditor.RunAudit(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "integrity audit failed",
				"cause": err.Error(),
			})
		}
		return c.JSON(plan)
	})

	adminGroup.Get("/integrity/plans/:id", func(c *fiber.Ctx) error {
		plan, ok := auditor.Plans.Get(c.Params("id"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "plan not found or expired"})
		}
		return c.JSON(plan)
	})

	// runCleanup: applies a plan, dry-run by default.
	adminGroup.Post("/integrity/cleanup", func(c *fiber.Ctx) error {
		var req struct {
			PlanID string `json:"plan_id"`
			DryRun *bool  `json:"dry_run"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
		}
		if req.PlanID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "plan_id is required"})
		}
		plan, ok := auditor.Plans.Get(req.PlanID)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "plan not found or expired — rerun the audit"})
		}

		dryRun := true
		if req.DryRun != nil {
			dryRun = *req.DryRun
		}

		report, err := cleaner.Execute(c.Context(), plan, dryRun)
		if err != nil {
			return c.Status(statusForError(err)).JSON(fiber.Map{
				"error": "cleanup failed",
				"cause": err.Error(),
			})
		}
		return c.JSON(report)
	})
}
