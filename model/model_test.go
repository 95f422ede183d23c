package model_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ollama/diffusion/model"
	_ "github.com/ollama/diffusion/model/models/tinyunet"
)

func TestNewUnknownModel(t *testing.T) {
	_, err := model.New("tiny-unte", model.Options{})
	assert.True(t, errors.Is(err, model.ErrUnknownModel))
	assert.Contains(t, err.Error(), `did you mean "tiny-unet"?`)

	_, err = model.New("stable-cascade", model.Options{})
	assert.True(t, errors.Is(err, model.ErrUnknownModel))
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestRegisterDuplicatePanics(t *testing.T) {
	assert.Panics(t, func() {
		model.Register("tiny-unet", func(model.Options) (model.Model, error) { return nil, nil })
	})
}

func TestSuggest(t *testing.T) {
	candidates := []string{"alpha", "beta", "gamma"}
	assert.Equal(t, "beta", model.Suggest("betta", candidates))
	assert.Equal(t, "", model.Suggest("zzzzzzzz", candidates))
}
