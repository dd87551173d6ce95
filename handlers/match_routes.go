// handlers/match_routes.go
package handlers

import (
	"errors"
	"strconv"

	"pickleball-ranking-system/cache"
	"pickleball-ranking-system/middleware"
	"pickleball-ranking-system/models"
	"pickleball-ranking-system/services"

	"github.com/gofiber/fiber/v2"
)

// statusForError maps the engine's error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	var ve *models.ValidationError
	var ce *models.ConflictError
	var ie *models.IntegrityError
	switch {
	case errors.As(err, &ve):
		return fiber.StatusBadRequest
	case errors.As(err, &ce):
		return fiber.StatusConflict
	case errors.As(err, &ie):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

func SetupMatchRoutes(app *fiber.App, rewards *services.RewardService, rankings *services.RankingService, lc *cache.LeaderboardCache) {
	securedGroup := app.Group("/", middleware.UserContextMiddleware())

	// recordMatch: synchronous reward computation for immediate UI feedback.
	securedGroup.Post("/s/matches", func(c *fiber.Ctx) error {
		var input services.MatchInput
		if err := c.BodyParser(&input); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}

		match, matchRewards, err := rewards.RecordMatch(c.Context(), &input)
		if err != nil {
			return c.Status(statusForError(err)).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"match_id":          match.ID,
			"validation_status": match.ValidationStatus,
			"rewards":           matchRewards,
		})
	})

	// Participant confirmation: pending → validated, rewards apply here.
	securedGroup.Post("/s/matches/:id/confirm", func(c *fiber.Ctx) error {
		playerID := c.Locals("user_id").(string)
		matchID := c.Params("id")

		match, matchRewards, err := rewards.ConfirmMatch(c.Context(), matchID, playerID)
		if err != nil {
			return c.Status(statusForError(err)).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{
			"match_id":          match.ID,
			"validation_status": match.ValidationStatus,
			"rewards":           matchRewards,
		})
	})

	// getRankingPosition: the matchCount/requiredMatches progress display.
	securedGroup.Get("/s/rankings/position", func(c *fiber.Ctx) error {
		playerID := c.Locals("user_id").(string)
		key := models.BucketKey{
			Format:      c.Query("format"),
			AgeDivision: c.Query("age_division"),
			SkillTier:   c.Query("skill_tier"),
		}
		if key.Format == "" || key.AgeDivision == "" || key.SkillTier == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "format, age_division and skill_tier are required"})
		}

		pos, err := rankings.GetPosition(playerID, key)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch ranking position"})
		}
		return c.JSON(pos)
	})

	// Leaderboard: ranked buckets only, served from the redis mirror.
	securedGroup.Get("/s/rankings/leaderboard", func(c *fiber.Ctx) error {
		key := models.BucketKey{
			Format:      c.Query("format"),
			AgeDivision: c.Query("age_division"),
			SkillTier:   c.Query("skill_tier"),
		}
		if key.Format == "" || key.AgeDivision == "" || key.SkillTier == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "format, age_division and skill_tier are required"})
		}
		limit, _ := strconv.ParseInt(c.Query("limit", "25"), 10, 64)
		if limit < 1 || limit > 100 {
			limit = 25
		}
		if lc == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "leaderboard cache not configured"})
		}

		entries, err := lc.Top(c.Context(), key.Canonical(), limit)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch leaderboard"})
		}
		return c.JSON(fiber.Map{
			"bucket":  key,
			"entries": entries,
		})
	})

	// Lifetime XP: reconstructable total plus recent ledger entries.
	securedGroup.Get("/s/user/xp", func(c *fiber.Ctx) error {
		playerID := c.Locals("user_id").(string)
		limit, _ := strconv.Atoi(c.Query("limit", "20"))

		summary, err := rewards.GetXPSummary(playerID, limit)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch XP summary"})
		}
		return c.JSON(summary)
	})
}
