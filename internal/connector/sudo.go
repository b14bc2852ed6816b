package connector

import "fmt"

// Sudo is a tri-state privilege policy. The zero value means "inherit":
// the caller's or session's policy applies. Never explicitly disables
// escalation, Root and As enable it.
type Sudo struct {
	set     bool
	enabled bool
	user    string
}

// SudoNever disables privilege escalation, overriding any default.
func SudoNever() Sudo { return Sudo{set: true} }

// SudoRoot escalates to root.
func SudoRoot() Sudo { return Sudo{set: true, enabled: true} }

// SudoAs escalates to the named user. An empty name means root.
func SudoAs(user string) Sudo { return Sudo{set: true, enabled: true, user: user} }

// IsSet reports whether the policy was explicitly chosen.
func (s Sudo) IsSet() bool { return s.set }

// Enabled reports whether commands should run through sudo.
func (s Sudo) Enabled() bool { return s.set && s.enabled }

// User returns the target user, empty for root.
func (s Sudo) User() string { return s.user }

// Or returns s when it is set and fallback otherwise.
func (s Sudo) Or(fallback Sudo) Sudo {
	if s.set {
		return s
	}
	return fallback
}

// Prefix returns the sudo invocation for this policy, or "" when disabled.
func (s Sudo) Prefix() string {
	if !s.Enabled() {
		return ""
	}
	if s.user != "" {
		return fmt.Sprintf("sudo -H -u %s", s.user)
	}
	return "sudo -H"
}

func (s Sudo) String() string {
	switch {
	case !s.set:
		return "inherit"
	case !s.enabled:
		return "never"
	case s.user != "":
		return "as " + s.user
	default:
		return "root"
	}
}

// ParseSudo converts a loosely typed value (as decoded from YAML) into a Sudo.
// nil inherits, a bool enables root or disables, a string names the user.
func ParseSudo(v any) (Sudo, error) {
	switch val := v.(type) {
	case nil:
		return Sudo{}, nil
	case bool:
		if val {
			return SudoRoot(), nil
		}
		return SudoNever(), nil
	case string:
		switch val {
		case "":
			return Sudo{}, nil
		case "true", "root":
			return SudoRoot(), nil
		case "false", "never":
			return SudoNever(), nil
		}
		return SudoAs(val), nil
	}
	return Sudo{}, fmt.Errorf("invalid sudo value %v: must be a bool or a user name", v)
}
