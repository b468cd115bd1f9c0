package config_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwuu/sftpdeploy/internal/config"
)

func TestPrompter_Prompt(t *testing.T) {
	output := &bytes.Buffer{}
	prompter := config.NewPrompter(strings.NewReader("test-input\n"), output)

	result, err := prompter.Prompt("Enter value: ")
	require.NoError(t, err)
	assert.Equal(t, "test-input", result)
	assert.Equal(t, "Enter value: ", output.String())
}

func TestPrompter_PromptWithDefault(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		defaultValue string
		expected     string
	}{
		{"user input", "user-value\n", "default", "user-value"},
		{"empty input uses default", "\n", "default", "default"},
		{"eof uses default", "", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompter := config.NewPrompter(strings.NewReader(tt.input), &bytes.Buffer{})

			result, err := prompter.PromptWithDefault("Enter value", tt.defaultValue)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestPrompter_PromptIntWithDefault(t *testing.T) {
	prompter := config.NewPrompter(strings.NewReader("2222\n\nabc\n"), &bytes.Buffer{})

	n, err := prompter.PromptIntWithDefault("Port", 22)
	require.NoError(t, err)
	assert.Equal(t, 2222, n)

	n, err = prompter.PromptIntWithDefault("Port", 22)
	require.NoError(t, err)
	assert.Equal(t, 22, n)

	_, err = prompter.PromptIntWithDefault("Port", 22)
	assert.Error(t, err)
}

func TestPrompter_PromptConfirm(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		defaultYes bool
		expected   bool
	}{
		{"yes lowercase", "y\n", false, true},
		{"yes uppercase", "Y\n", false, true},
		{"no", "n\n", false, false},
		{"empty default no", "\n", false, false},
		{"empty default yes", "\n", true, true},
		{"random", "foo\n", false, false},
		{"no override default yes", "n\n", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompter := config.NewPrompter(strings.NewReader(tt.input), &bytes.Buffer{})

			result, err := prompter.PromptConfirm("Confirm?", tt.defaultYes)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestPrompter_PromptSelect(t *testing.T) {
	options := []string{"auto", "sftp", "shell"}

	tests := []struct {
		name        string
		input       string
		expectedIdx int
	}{
		{"select first", "1\n", 0},
		{"select third", "3\n", 2},
		{"empty defaults to first", "\n", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompter := config.NewPrompter(strings.NewReader(tt.input), &bytes.Buffer{})

			idx, err := prompter.PromptSelect("Backend:", options)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedIdx, idx)
		})
	}

	t.Run("out of range", func(t *testing.T) {
		prompter := config.NewPrompter(strings.NewReader("9\n"), &bytes.Buffer{})
		_, err := prompter.PromptSelect("Backend:", options)
		assert.Error(t, err)
	})
}

func TestPrompter_PromptPassword_NonTerminal(t *testing.T) {
	prompter := config.NewPrompter(strings.NewReader("s3cret!\n"), &bytes.Buffer{})

	password, err := prompter.PromptPassword("Password: ")
	require.NoError(t, err)
	assert.Equal(t, "s3cret!", password)
}
