package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archisgore/rmesg"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		expected    options
		expectError bool
	}{
		{
			name:     "Defaults",
			args:     nil,
			expected: options{backend: rmesg.BackendDefault},
		},
		{
			name:     "Follow",
			args:     []string{"-f"},
			expected: options{follow: true, backend: rmesg.BackendDefault},
		},
		{
			name:     "Clear",
			args:     []string{"-c"},
			expected: options{clear: true, backend: rmesg.BackendDefault},
		},
		{
			name:     "Raw",
			args:     []string{"-r"},
			expected: options{raw: true, backend: rmesg.BackendDefault},
		},
		{
			name:     "KLogCtl Backend",
			args:     []string{"-b", "klogctl"},
			expected: options{backend: rmesg.BackendKLogCtl},
		},
		{
			name:     "DevKMsg Backend",
			args:     []string{"-b", "devkmsg"},
			expected: options{backend: rmesg.BackendDevKMsg},
		},
		{
			name:     "All Flags Together",
			args:     []string{"-f", "-c", "-r", "-b", "klogctl"},
			expected: options{follow: true, clear: true, raw: true, backend: rmesg.BackendKLogCtl},
		},
		{
			name:     "Long Flags",
			args:     []string{"--follow", "--raw", "--backend", "devkmsg"},
			expected: options{follow: true, raw: true, backend: rmesg.BackendDevKMsg},
		},
		{
			name:        "Invalid Backend",
			args:        []string{"-b", "journald"},
			expectError: true,
		},
		{
			name:        "Unknown Flag",
			args:        []string{"--frobnicate"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
