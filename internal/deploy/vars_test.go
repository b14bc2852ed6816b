package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolate(t *testing.T) {
	vars := map[string]any{
		"name":    "world",
		"version": "3.3.0",
		"count":   42,
		"empty":   "",
		"list":    []any{"a", "b", "c"},
		"env": map[string]string{
			"HOME": "/home/deploy",
		},
		"facts": map[string]any{
			"os":   "linux",
			"arch": "arm64",
		},
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{name: "no variables", input: "echo hi", want: "echo hi"},
		{name: "simple variable", input: "{{ name }}", want: "world"},
		{name: "variable in text", input: "ruby-{{version}}.tar.gz", want: "ruby-3.3.0.tar.gz"},
		{name: "multiple variables", input: "{{ name }} {{ count }}", want: "world 42"},
		{name: "dotted map", input: "{{ facts.os }}/{{ facts.arch }}", want: "linux/arm64"},
		{name: "string map", input: "{{ env.HOME }}", want: "/home/deploy"},
		{name: "default used", input: "{{ missing | default('x') }}", want: "x"},
		{name: "default on empty", input: `{{ empty | default("y") }}`, want: "y"},
		{name: "default unused", input: "{{ name | default('x') }}", want: "world"},
		{name: "upper", input: "{{ name | upper }}", want: "WORLD"},
		{name: "quote", input: "{{ name | quote }}", want: "'world'"},
		{name: "join", input: "{{ list | join(' ') }}", want: "a b c"},
		{name: "join default separator", input: "{{ list | join }}", want: "a,b,c"},
		{name: "undefined", input: "echo {{ nope }}", wantErr: "undefined variable nope"},
		{name: "undefined nested", input: "{{ facts.kernel }}", wantErr: "undefined variable facts.kernel"},
		{name: "unknown filter", input: "{{ name | reverse }}", wantErr: "unknown filter: reverse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := interpolate(tt.input, vars)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTemplatedRunner(t *testing.T) {
	h := newFakeHost()
	r := &templated{Runner: h, vars: map[string]any{"pkg": "git"}}

	_, err := r.Call(context.Background(), "install {{ pkg }}")
	require.NoError(t, err)
	assert.True(t, h.installed["git"])

	_, err = r.Call(context.Background(), "install {{ other }}")
	assert.ErrorContains(t, err, "undefined variable other")
	assert.Equal(t, "fake", r.String())
}
