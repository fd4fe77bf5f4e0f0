package engine

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/danmuck/droidctl/internal/auth"
	"github.com/danmuck/droidctl/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// opsValidator picks the inspection guard, nil when the routes are open.
func (s *Service) opsValidator() auth.Validator {
	if path := strings.TrimSpace(s.cfg.Ops.TokenFile); path != "" {
		return auth.FuncValidator(func(token string) error {
			data, err := os.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("engine.Service ops token file")
				return auth.ErrUnauthorized
			}
			return auth.StaticToken{Token: strings.TrimSpace(string(data))}.Validate(token)
		})
	}
	if token := strings.TrimSpace(s.cfg.Ops.Token); token != "" {
		return auth.StaticToken{Token: token}
	}
	return nil
}

// Router builds the read-only ops surface: health, metrics and inspection.
// Inspection routes require ops.token or ops.token_file when configured.
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.OpsRequests(s.cfg.Name, log.Logger))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  s.clock.Now().Sub(s.startedAt).String(),
			"name":    s.cfg.Name,
			"modules": len(s.registry.ListMetadata()),
		})
	}
	r.GET("/healthz", health)
	r.GET("/health", health)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	inspect := r.Group("/")
	if v := s.opsValidator(); v != nil {
		inspect.Use(auth.Middleware(v))
	}

	inspect.GET("/modules", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"modules": s.Modules()})
	})

	inspect.GET("/runs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"runs": s.ListStatus()})
	})

	inspect.GET("/runs/:id", func(c *gin.Context) {
		entry, ok := s.GetStatus(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusOK, entry)
	})

	inspect.GET("/schedules", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"schedules": s.ListSchedules()})
	})

	inspect.GET("/retry", func(c *gin.Context) {
		pending, err := s.RetryEntries()
		if errors.Is(err, ErrRetryDisabled) {
			c.JSON(http.StatusOK, gin.H{"enabled": false})
			return
		}
		abandoned, _ := s.AbandonedRetries()
		c.JSON(http.StatusOK, gin.H{"enabled": true, "pending": pending, "abandoned": abandoned})
	})

	return r
}
