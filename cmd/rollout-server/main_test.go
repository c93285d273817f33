package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cascade/internal/app"
	"cascade/internal/config"
)

func TestSecretProvider(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	assert.Nil(t, secretProvider())

	t.Setenv("APP_ENV", "")
	assert.Nil(t, secretProvider())

	t.Setenv("APP_ENV", "prod")
	t.Setenv("AWS_REGION", "eu-west-1")
	assert.IsType(t, &config.SSMProvider{}, secretProvider())
}

func TestServerConfig_LeavesOptionalFieldsNil(t *testing.T) {
	sc := serverConfig(&app.App{}, nil)
	assert.Nil(t, sc.Runs)
	assert.Nil(t, sc.Gatherer)
	assert.Nil(t, sc.InProgress)
}
