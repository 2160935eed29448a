package cli

import (
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	// no session configuration is needed
	t.Setenv("IDENTITY_PROVIDER", "bogus")

	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, out string)
	}{
		{
			name: "short",
			args: []string{"version", "--short"},
			check: func(t *testing.T, out string) {
				assert.Equal(t, "1.2.3\n", out)
			},
		},
		{
			name: "full",
			args: []string{"version"},
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, "sessionctl version 1.2.3")
				assert.Contains(t, out, runtime.Version())
			},
		},
		{
			name: "json",
			args: []string{"version", "--format", "json"},
			check: func(t *testing.T, out string) {
				var got map[string]string
				require.NoError(t, json.Unmarshal([]byte(out), &got))
				assert.Equal(t, "1.2.3", got["version"])
				assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, got["platform"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, "", tt.args...)
			require.NoError(t, err)
			tt.check(t, out)
		})
	}
}
