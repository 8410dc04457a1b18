package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), &stdout, &stderr, []string{"version"}))
	assert.Contains(t, stdout.String(), "go_version:")
}

func TestRun_VersionJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}))

	var info map[string]string
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &info), stdout.String())
	assert.NotEmpty(t, info["version"])
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		require.NoError(t, run(context.Background(), &stdout, &stderr, args), "run %v", args)
		assert.Contains(t, stdout.String(), "Usage: huddle", "run %v", args)
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"frobnicate"}, "unknown command"},
		{[]string{"--bogus"}, "unknown flag"},
		{[]string{"-o", "xml", "version"}, "unknown output format"},
		{[]string{"-config", "/nonexistent/huddle.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		var stdout, stderr bytes.Buffer
		err := run(context.Background(), &stdout, &stderr, tt.args)
		assert.ErrorContains(t, err, tt.want, "run %v", tt.args)
	}
}
