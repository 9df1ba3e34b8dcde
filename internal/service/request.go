package service

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/LeventeLantos/sms-dispatch/internal/apperr"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
)

type SendRequest struct {
	To          string     `json:"to" validate:"required,phone"`
	Body        string     `json:"body" validate:"required,max=1600"`
	From        string     `json:"from,omitempty" validate:"omitempty,phone"`
	Provider    string     `json:"provider,omitempty"`
	Priority    string     `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

type BulkMessage struct {
	To   string `json:"to" validate:"required,phone"`
	Body string `json:"body" validate:"required,max=1600"`
	From string `json:"from,omitempty" validate:"omitempty,phone"`
}

type BulkRequest struct {
	Messages  []BulkMessage `json:"messages" validate:"required,min=1,dive"`
	Provider  string        `json:"provider,omitempty"`
	Priority  string        `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	BatchSize int           `json:"batchSize,omitempty" validate:"omitempty,min=1,max=1000"`
	// Delay is the pause between batches in milliseconds.
	Delay       *int       `json:"delay,omitempty" validate:"omitempty,min=0,max=3600000"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return model.ValidPhone(fl.Field().String())
	})
	return v
}

// validationError turns validator output into a field -> message map.
func validationError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return apperr.Validation("%v", err)
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		fields[path] = fieldMessage(fe)
	}
	return apperr.ValidationFields(fields)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "phone":
		return fe.Field() + " must be an E.164 phone number"
	case "min":
		return fe.Field() + " must be at least " + fe.Param()
	case "max":
		return fe.Field() + " must be at most " + fe.Param()
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}

// checkSchedule rejects schedule times in the past.
func checkSchedule(at *time.Time, now time.Time) error {
	if at != nil && at.Before(now) {
		return apperr.ValidationFields(map[string]string{"scheduledAt": "scheduledAt must not be in the past"})
	}
	return nil
}
