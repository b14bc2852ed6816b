package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSudo(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  Sudo
	}{
		{"nil inherits", nil, Sudo{}},
		{"empty string inherits", "", Sudo{}},
		{"true", true, SudoRoot()},
		{"false", false, SudoNever()},
		{"string true", "true", SudoRoot()},
		{"root", "root", SudoRoot()},
		{"string false", "false", SudoNever()},
		{"never", "never", SudoNever()},
		{"user", "deploy", SudoAs("deploy")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSudo(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSudoRejectsOtherTypes(t *testing.T) {
	_, err := ParseSudo(3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sudo value 3")
}

func TestSudoStates(t *testing.T) {
	tests := []struct {
		name    string
		sudo    Sudo
		set     bool
		enabled bool
		prefix  string
		str     string
	}{
		{"inherit", Sudo{}, false, false, "", "inherit"},
		{"never", SudoNever(), true, false, "", "never"},
		{"root", SudoRoot(), true, true, "sudo -H", "root"},
		{"as user", SudoAs("deploy"), true, true, "sudo -H -u deploy", "as deploy"},
		{"as empty user", SudoAs(""), true, true, "sudo -H", "root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.set, tt.sudo.IsSet())
			assert.Equal(t, tt.enabled, tt.sudo.Enabled())
			assert.Equal(t, tt.prefix, tt.sudo.Prefix())
			assert.Equal(t, tt.str, tt.sudo.String())
		})
	}
}

func TestSudoOr(t *testing.T) {
	tests := []struct {
		name     string
		sudo     Sudo
		fallback Sudo
		want     Sudo
	}{
		{"inherit takes fallback", Sudo{}, SudoRoot(), SudoRoot()},
		{"inherit of inherit", Sudo{}, Sudo{}, Sudo{}},
		{"never beats fallback", SudoNever(), SudoRoot(), SudoNever()},
		{"user beats never", SudoAs("deploy"), SudoNever(), SudoAs("deploy")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sudo.Or(tt.fallback))
		})
	}
}
