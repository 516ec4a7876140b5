package rest

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/AMFarhan21/fres"
	"github.com/labstack/echo/v4"

	"experimenter/business/buckets"
	"experimenter/business/targeting"
	"experimenter/domain"
	"experimenter/internal/middleware"
	"experimenter/pkg/logger"
)

type ExperimentService interface {
	Create(ctx context.Context, exp domain.Experiment, actor string) (domain.Experiment, error)
	AttemptTransition(ctx context.Context, slug string, patch domain.ExperimentPatch, actor, message string) (domain.Experiment, error)
	Get(ctx context.Context, slug string) (domain.Experiment, error)
	List(ctx context.Context, filter domain.ExperimentFilter) ([]domain.Experiment, error)
	ChangeLog(ctx context.Context, id uint) (domain.ChangeLog, error)
	Buckets(ctx context.Context, id uint) (domain.BucketAllocation, bool, error)
}

type ExperimentHandler struct {
	service ExperimentService
	dialect *targeting.Dialect
	timeout time.Duration
}

func NewExperimentHandler(service ExperimentService, dialect *targeting.Dialect) *ExperimentHandler {
	return &ExperimentHandler{
		service: service,
		dialect: dialect,
		timeout: 10 * time.Second,
	}
}

// ResponseError represent the response error struct
type ResponseError struct {
	Message string `json:"message"`
}

type CreateExperimentRequest struct {
	Slug                 string             `json:"slug"`
	Name                 string             `json:"name"`
	PublicDescription    string             `json:"public_description"`
	Hypothesis           string             `json:"hypothesis"`
	Application          domain.Application `json:"application"`
	Channel              string             `json:"channel"`
	FeatureSlugs         []string           `json:"feature_slugs"`
	PopulationPercent    float64            `json:"population_percent"`
	FirefoxMinVersion    string             `json:"firefox_min_version"`
	FirefoxMaxVersion    string             `json:"firefox_max_version"`
	TargetingConfigSlug  string             `json:"targeting_config_slug"`
	Locales              []string           `json:"locales"`
	Countries            []string           `json:"countries"`
	Languages            []string           `json:"languages"`
	IsSticky             bool               `json:"is_sticky"`
	IsRollout            bool               `json:"is_rollout"`
	PreventPrefConflicts bool               `json:"prevent_pref_conflicts"`
	SetPrefs             []string           `json:"set_prefs"`
}

func (r CreateExperimentRequest) experiment() domain.Experiment {
	return domain.Experiment{
		Slug:                 r.Slug,
		Name:                 r.Name,
		PublicDescription:    r.PublicDescription,
		Hypothesis:           r.Hypothesis,
		Application:          r.Application,
		Channel:              r.Channel,
		FeatureSlugs:         r.FeatureSlugs,
		PopulationPercent:    r.PopulationPercent,
		FirefoxMinVersion:    r.FirefoxMinVersion,
		FirefoxMaxVersion:    r.FirefoxMaxVersion,
		TargetingConfigSlug:  r.TargetingConfigSlug,
		Locales:              r.Locales,
		Countries:            r.Countries,
		Languages:            r.Languages,
		IsSticky:             r.IsSticky,
		IsRollout:            r.IsRollout,
		PreventPrefConflicts: r.PreventPrefConflicts,
		SetPrefs:             r.SetPrefs,
	}
}

// UpdateExperimentRequest carries only the fields the caller wants to
// change, plus an optional change log message.
type UpdateExperimentRequest struct {
	domain.ExperimentPatch
	ChangelogMessage string `json:"changelog_message"`
}

type TargetingResponse struct {
	Slug       string `json:"slug"`
	Expression string `json:"targeting"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
}

type BucketsResponse struct {
	Namespace  string                  `json:"namespace"`
	Allocation domain.BucketAllocation `json:"allocation"`
	Unit       string                  `json:"unit,omitempty"`
	Position   *int                    `json:"position,omitempty"`
	Enrolled   *bool                   `json:"enrolled,omitempty"`
}

func (h *ExperimentHandler) CreateExperiment(c echo.Context) error {
	var req CreateExperimentRequest
	if err := c.Bind(&req); err != nil {
		logger.Warn("failed to bind experiment request", "error", err)
		return c.JSON(http.StatusBadRequest, fres.Response.StatusBadRequest("invalid request body"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	exp, err := h.service.Create(ctx, req.experiment(), middleware.ActorFrom(c))
	if err != nil {
		return h.writeError(c, "create experiment", err)
	}
	return c.JSON(http.StatusCreated, fres.Response.StatusCreated(exp))
}

func (h *ExperimentHandler) ListExperiments(c echo.Context) error {
	var filter domain.ExperimentFilter
	for _, app := range splitQuery(c.QueryParam("application")) {
		filter.Applications = append(filter.Applications, domain.Application(app))
	}
	for _, status := range splitQuery(c.QueryParam("status")) {
		filter.Statuses = append(filter.Statuses, domain.Status(status))
	}
	for _, status := range splitQuery(c.QueryParam("publish_status")) {
		filter.PublishStatuses = append(filter.PublishStatuses, domain.PublishStatus(status))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	experiments, err := h.service.List(ctx, filter)
	if err != nil {
		return h.writeError(c, "list experiments", err)
	}
	return c.JSON(http.StatusOK, fres.Response.StatusOK(experiments))
}

func (h *ExperimentHandler) GetExperiment(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	exp, err := h.service.Get(ctx, c.Param("slug"))
	if err != nil {
		return h.writeError(c, "get experiment", err)
	}
	return c.JSON(http.StatusOK, fres.Response.StatusOK(exp))
}

func (h *ExperimentHandler) UpdateExperiment(c echo.Context) error {
	var req UpdateExperimentRequest
	if err := c.Bind(&req); err != nil {
		logger.Warn("failed to bind experiment patch", "error", err)
		return c.JSON(http.StatusBadRequest, fres.Response.StatusBadRequest("invalid request body"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	exp, err := h.service.AttemptTransition(ctx, c.Param("slug"), req.ExperimentPatch, middleware.ActorFrom(c), req.ChangelogMessage)
	if err != nil {
		return h.writeError(c, "update experiment", err)
	}
	return c.JSON(http.StatusOK, fres.Response.StatusOK(exp))
}

func (h *ExperimentHandler) GetChangeLog(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	exp, err := h.service.Get(ctx, c.Param("slug"))
	if err != nil {
		return h.writeError(c, "get experiment", err)
	}
	log, err := h.service.ChangeLog(ctx, exp.ID)
	if err != nil {
		return h.writeError(c, "get changelog", err)
	}
	if kind := c.QueryParam("kind"); kind != "" {
		filter, ok := domain.ChangeLogFilters[kind]
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string][]string{"kind": {"unknown change log kind " + kind}})
		}
		log = log.Filter(filter)
	}
	return c.JSON(http.StatusOK, fres.Response.StatusOK(log))
}

func (h *ExperimentHandler) GetTargeting(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	exp, err := h.service.Get(ctx, c.Param("slug"))
	if err != nil {
		return h.writeError(c, "get experiment", err)
	}

	res := TargetingResponse{Slug: exp.Slug, Expression: targeting.Build(exp), Valid: true}
	if h.dialect != nil {
		if err := h.dialect.Validate(res.Expression); err != nil {
			res.Valid = false
			res.Error = err.Error()
		}
	}
	return c.JSON(http.StatusOK, fres.Response.StatusOK(res))
}

// GetBuckets returns the experiment's allocation. With ?unit= it also
// reports where that randomization unit lands and whether it is enrolled.
func (h *ExperimentHandler) GetBuckets(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	exp, err := h.service.Get(ctx, c.Param("slug"))
	if err != nil {
		return h.writeError(c, "get experiment", err)
	}
	allocation, found, err := h.service.Buckets(ctx, exp.ID)
	if err != nil {
		return h.writeError(c, "get buckets", err)
	}
	if !found {
		return c.JSON(http.StatusNotFound, ResponseError{Message: "experiment has no bucket allocation"})
	}

	res := BucketsResponse{
		Namespace:  allocation.Group.Name,
		Allocation: allocation,
	}
	if unit := c.QueryParam("unit"); unit != "" {
		pos, enrolled := buckets.Enrolled(allocation, unit)
		res.Unit = unit
		res.Position = &pos
		res.Enrolled = &enrolled
	}
	return c.JSON(http.StatusOK, fres.Response.StatusOK(res))
}

func (h *ExperimentHandler) writeError(c echo.Context, action string, err error) error {
	var fieldErr domain.FieldError
	switch {
	case errors.As(err, &fieldErr):
		return c.JSON(http.StatusBadRequest, map[string][]string{fieldErr.Field(): {fieldErr.Error()}})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, ResponseError{Message: "experiment not found"})
	default:
		logger.Error("failed to "+action, "slug", c.Param("slug"), "error", err)
		return c.JSON(http.StatusInternalServerError, fres.Response.StatusInternalServerError(http.StatusInternalServerError))
	}
}

func splitQuery(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
