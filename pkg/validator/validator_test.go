package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recipientInput struct {
	Email  string            `json:"email" validate:"required,email"`
	Name   string            `json:"name" validate:"max=10"`
	Fields map[string]string `json:"custom_fields" validate:"dive,keys,merge_key,endkeys"`
}

func TestValidate(t *testing.T) {
	v := New()

	require.NoError(t, v.Validate(recipientInput{Email: "a@example.com", Fields: map[string]string{"plan_1": "pro"}}))

	err := v.Validate(recipientInput{Email: "nope", Name: "a very long name"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email must be a valid email")
	assert.Contains(t, err.Error(), "name must have at most 10")

	err = v.Validate(recipientInput{Email: "a@example.com", Fields: map[string]string{"bad key": "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "letters, digits and underscores")
}

func TestValidateVar(t *testing.T) {
	v := New()
	assert.NoError(t, v.ValidateVar("email", "qa@example.com", "required,email"))
	assert.EqualError(t, v.ValidateVar("email", "", "required,email"), "email is required")
}

func TestRegisterGin(t *testing.T) {
	assert.NoError(t, RegisterGin())
}
