package lifecycle

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"experimenter/business/targeting"
	"experimenter/domain"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// NewValidator returns a validator that reports fields by their JSON name
// and understands the "slug" tag.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	return v
}

func (s *Service) validateExperiment(e domain.Experiment) error {
	if err := s.validate.Struct(e); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) && len(errs) > 0 {
			return &domain.ValidationError{Name: errs[0].Field(), Message: describeTag(errs[0])}
		}
		return err
	}

	if !e.Application.Valid() {
		return &domain.ValidationError{Name: domain.FieldApplication, Message: fmt.Sprintf("unknown application %q", e.Application)}
	}
	app := e.Application.Config()
	if e.Channel != "" && !slices.Contains(app.Channels, e.Channel) {
		return &domain.ValidationError{
			Name:    domain.FieldChannel,
			Message: fmt.Sprintf("channel must be one of %s", strings.Join(app.Channels, ", ")),
		}
	}

	cfg, ok := targeting.Lookup(e.TargetingConfigSlug)
	if !ok {
		return &domain.ValidationError{Name: domain.FieldTargetingConfigSlug, Message: fmt.Sprintf("unknown targeting config %q", e.TargetingConfigSlug)}
	}
	if !cfg.Supports(e.Application) {
		return &domain.ValidationError{Name: domain.FieldTargetingConfigSlug, Message: fmt.Sprintf("targeting config %s is not available for %s", cfg.Slug, e.Application)}
	}

	if e.FirefoxMinVersion != "" && e.FirefoxMaxVersion != "" &&
		targeting.CompareVersions(e.FirefoxMinVersion, e.FirefoxMaxVersion) > 0 {
		return &domain.ValidationError{Name: domain.FieldFirefoxMinVersion, Message: "minimum version must not exceed maximum version"}
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "slug":
		return "may only contain lowercase letters, digits and dashes"
	}
	return "failed " + fe.Tag() + " validation"
}
