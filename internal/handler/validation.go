package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

type CreateOrderRequest struct {
	UserID      string `json:"user_id" validate:"required,uuid"`
	MemorialID  string `json:"memorial_id" validate:"required,uuid"`
	Service     string `json:"service" validate:"required,oneof=PUBLISH PREMIUM ANNIVERSARY_REMINDER"`
	AmountCents int64  `json:"amount_cents" validate:"required,gt=0"`
}

// bindAndValidate writes a 400 and returns an error when the body is unusable.
func bindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request_body",
			"msg":   err.Error(),
		})
		return err
	}

	if err := v.Struct(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation_failed",
			"fields": validationErrorsToMap(err),
		})
		return err
	}
	return nil
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
		return out
	}
	out["error"] = err.Error()
	return out
}
