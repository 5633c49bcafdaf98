package api

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/sowilo/internal/models"
)

const (
	maxIDLen    = 128
	maxTitleLen = 512
)

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Status string `json:"status" example:"ok" validate:"required"`
	Pages  int    `json:"pages" example:"42"`
	Owners int    `json:"owners" example:"3"`
}

func contentTypeRule() validation.Rule {
	allowed := make([]any, len(models.ContentTypes))
	for i, ct := range models.ContentTypes {
		allowed[i] = ct
	}
	return validation.In(allowed...).Error("must be one of json, markdown, text, canvas")
}

func validateCreate(c *models.CreateItem) error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ClientID, validation.Required, validation.Length(1, maxIDLen)),
		validation.Field(&c.Title, validation.Required, validation.Length(1, maxTitleLen)),
		validation.Field(&c.ContentType, validation.Required, contentTypeRule()),
		validation.Field(&c.UpdatedAt, validation.Required),
	)
}

func validateUpdate(u *models.UpdateItem) error {
	return validation.ValidateStruct(u,
		validation.Field(&u.ServerID, validation.Required, validation.Length(1, maxIDLen)),
		validation.Field(&u.Title, validation.NilOrNotEmpty, validation.Length(1, maxTitleLen)),
		validation.Field(&u.UpdatedAt, validation.Required),
	)
}

// validatePush checks every item of a push batch and keys failures by their
// position, e.g. "creates[0]".
func validatePush(req *models.PushRequest) error {
	errs := validation.Errors{}
	for i := range req.Creates {
		if err := validateCreate(&req.Creates[i]); err != nil {
			errs[fmt.Sprintf("creates[%d]", i)] = err
		}
	}
	for i := range req.Updates {
		if err := validateUpdate(&req.Updates[i]); err != nil {
			errs[fmt.Sprintf("updates[%d]", i)] = err
		}
	}
	return errs.Filter()
}
