package process

import (
	"regexp"
	"sync"
)

var (
	passwordPrompt = regexp.MustCompile(`(?m)(\[sudo\] password for [^:\n]*:|^Password:)\s*$`)
	passwordRetry  = regexp.MustCompile(`Sorry, try again`)
)

// Prompter asks a human for a password. prompt is the text the remote side
// printed.
type Prompter func(prompt string) (string, error)

// Password caches a sudo password shared by every command of a session.
type Password struct {
	mu       sync.Mutex
	value    string
	known    bool
	prompter Prompter
}

// NewPassword returns a password cache. value may be empty; prompter may be
// nil, in which case the cache is non-interactive.
func NewPassword(value string, prompter Prompter) *Password {
	return &Password{value: value, known: value != "", prompter: prompter}
}

// Interactive reports whether a human can be asked for the password.
func (p *Password) Interactive() bool {
	if p == nil {
		return false
	}
	return p.prompter != nil
}

// Get returns the cached password, prompting for it when none is cached and
// the cache is interactive.
func (p *Password) Get(prompt string) (string, bool) {
	if p == nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.known {
		return p.value, true
	}
	if p.prompter == nil {
		return "", false
	}
	v, err := p.prompter(prompt)
	if err != nil {
		return "", false
	}
	p.value, p.known = v, true
	return v, true
}

// Set replaces the cached password.
func (p *Password) Set(value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value, p.known = value, true
}

// SetPrompter makes the cache interactive.
func (p *Password) SetPrompter(prompter Prompter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompter = prompter
}

// Forget discards the cached password.
func (p *Password) Forget() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value, p.known = "", false
}
