package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"feedbackhub/api/internal/store"
)

var statusMessage = fmt.Sprintf("Invalid status. Must be one of: %s", strings.Join([]string{
	store.StatusUnderReview,
	store.StatusAccepted,
	store.StatusRejected,
	store.StatusPlanned,
	store.StatusCompleted,
}, ", "))

type UpdateStatusInput struct {
	Status string `json:"status" validate:"post_status"`
}

// UpdateTagsInput keeps tags raw so a non-array value is a validation error
// rather than a decode error.
type UpdateTagsInput struct {
	Tags json.RawMessage `json:"tags"`
}

type tagList struct {
	Tags []string `json:"tags" validate:"max=10"`
}

type CreateTagInput struct {
	CompanyID *string `json:"companyId"`
	Name      string  `json:"name" validate:"required,max=50"`
	Color     string  `json:"color" validate:"required"`
}

type CreateTypeInput struct {
	CompanyID string `json:"companyId" validate:"required"`
	Name      string `json:"name" validate:"required,max=50"`
	Emoji     string `json:"emoji" validate:"required,max=10"`
	Color     string `json:"color"`
}

type AuditLogFilterInput struct {
	Action string
	Limit  int
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("post_status", func(fl validator.FieldLevel) bool {
		return store.IsPostStatus(fl.Field().String())
	})
	return v
}

// check runs struct validation and turns the first failure into a
// VALIDATION_ERROR with a message naming the rule.
func (s *Service) check(input any) error {
	err := s.validate.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return err
	}
	return validationError(fieldMessage(fieldErrors[0]))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at most %s items", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "post_status":
		return statusMessage
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// parseTags accepts only a JSON array of strings.
func (s *Service) parseTags(raw json.RawMessage) ([]string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") {
		return nil, validationError("tags must be an array")
	}
	var list tagList
	if err := json.Unmarshal(raw, &list.Tags); err != nil {
		return nil, validationError("tags must be an array of tag ids")
	}
	if err := s.check(list); err != nil {
		return nil, err
	}
	for _, id := range list.Tags {
		if strings.TrimSpace(id) == "" {
			return nil, validationError("tags must be an array of tag ids")
		}
	}
	if list.Tags == nil {
		list.Tags = []string{}
	}
	return list.Tags, nil
}
