package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"experimenter/internal/middleware"
	"experimenter/internal/rest"
)

func SetupExperimentRoutes(api *echo.Group, handler *rest.ExperimentHandler) {
	experiments := api.Group("/experiments")
	requireActor := middleware.RequireActor()

	experiments.GET("", handler.ListExperiments)
	experiments.POST("", handler.CreateExperiment, requireActor)
	experiments.GET("/:slug", handler.GetExperiment)
	experiments.PATCH("/:slug", handler.UpdateExperiment, requireActor)
	experiments.GET("/:slug/changelog", handler.GetChangeLog)
	experiments.GET("/:slug/targeting", handler.GetTargeting)
	experiments.GET("/:slug/buckets", handler.GetBuckets)
}

func SetupOpsRoutes(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}
