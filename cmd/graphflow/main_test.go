package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/graphflow"
)

const validGraph = `{
	"nodes": [
		{"id": "start", "type": "manual_trigger"},
		{"id": "tag", "type": "set", "properties": {"values": {"tagged": true}}}
	],
	"connections": [{"source": "start", "target": "tag"}]
}`

func writeGraph(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected an ExitError, got %v", err)
	return exitErr.Code
}

func TestRun_Help(t *testing.T) {
	out := &bytes.Buffer{}
	require.NoError(t, run(out, []string{"-h"}))
	assert.Contains(t, out.String(), "Usage:")
}

func TestRun_Validate(t *testing.T) {
	out := &bytes.Buffer{}
	require.NoError(t, run(out, []string{"-validate", writeGraph(t, validGraph)}))
	assert.Contains(t, out.String(), "valid (2 nodes, 1 connections)")

	out.Reset()
	err := run(out, []string{"-validate", writeGraph(t, `{"nodes": [{"id": "a", "type": "nope"}]}`)})
	assert.Equal(t, 1, exitCode(t, err))
	assert.Contains(t, out.String(), "unknown type")
}

func TestRun_Execute(t *testing.T) {
	out := &bytes.Buffer{}
	err := run(out, []string{"-in-memory", "-log-level", "error", "-run", writeGraph(t, validGraph), "-payload", `{"orderId": "o-9"}`})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "success")
	assert.Contains(t, out.String(), `"orderId": "o-9"`)
	assert.Contains(t, out.String(), `"tagged": true`)
}

func TestRun_Dispatch(t *testing.T) {
	out := &bytes.Buffer{}
	err := run(out, []string{"-in-memory", "-log-level", "error", "-workers", "1", "-run", writeGraph(t, validGraph), "-dispatch", "-priority", "high"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"priority": "high"`)
}

func TestParseArgs_Errors(t *testing.T) {
	cases := map[string][]string{
		"bad log format":   {"-log-format", "xml"},
		"bad log level":    {"-log-level", "loud"},
		"exclusive modes":  {"-validate", "a.json", "-run", "b.json"},
		"payload no run":   {"-payload", "{}"},
		"bad payload":      {"-run", "a.json", "-payload", "[1,"},
		"bad priority":     {"-priority", "urgent"},
		"bad grpc address": {"-grpc-addr", "nowhere"},
		"unknown flag":     {"-frobnicate"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := parseArgs(args, &bytes.Buffer{})
			assert.Equal(t, 2, exitCode(t, err))
		})
	}
}

func TestParseArgs_Overrides(t *testing.T) {
	opts, exit, err := parseArgs([]string{"-data-dir", "/tmp/gf", "-workers", "7", "-grpc-addr", ":7500", "-node-id", "n1"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, exit)

	assert.Equal(t, modeServe, opts.mode)
	assert.Equal(t, "/tmp/gf", opts.config.Storage.DataDir)
	assert.Equal(t, 7, opts.config.Queue.Workers)
	assert.True(t, opts.config.GRPC.Enabled)
	assert.Equal(t, "0.0.0.0", opts.config.GRPC.BindAddress)
	assert.Equal(t, 7500, opts.config.GRPC.BindPort)
	assert.Equal(t, "n1", opts.config.NodeID)
	assert.Equal(t, graphflow.PriorityNormal, opts.priority)
}

func TestParseArgs_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  workers: 9\nstorage:\n  in_memory: true\n"), 0600))

	opts, _, err := parseArgs([]string{"-config", path, "-validate", "w.json"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, modeValidate, opts.mode)
	assert.Equal(t, 9, opts.config.Queue.Workers)
	assert.True(t, opts.config.Storage.InMemory)
}
