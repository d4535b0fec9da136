package router

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotCommand is returned by Parse for ordinary chat lines.
	ErrNotCommand = errors.New("router: not a command")
	// ErrMalformed wraps argument errors: bad ids, scores or counts.
	ErrMalformed = errors.New("router: malformed command")
)

// Command is a parsed chat command. Name keeps the leading '!'.
type Command struct {
	Name string
	Args []string
}

// Parse splits text on whitespace. The first token must start with '!'; names are
// case-sensitive.
func Parse(text string) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") || len(fields[0]) == 1 {
		return Command{}, ErrNotCommand
	}
	return Command{Name: fields[0], Args: fields[1:]}, nil
}

func (c Command) arg(i int) (string, bool) {
	if i < len(c.Args) {
		return c.Args[i], true
	}
	return "", false
}

// songID reads a required UUID argument.
func (c Command) songID() (uuid.UUID, error) {
	s, ok := c.arg(0)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s needs a song id", ErrMalformed, c.Name)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad song id %q", ErrMalformed, s)
	}
	return id, nil
}

// score reads a required float argument. Range checks are left to the store.
func (c Command) score() (float64, error) {
	s, ok := c.arg(0)
	if !ok {
		return 0, fmt.Errorf("%w: %s needs a score", ErrMalformed, c.Name)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad score %q", ErrMalformed, s)
	}
	return v, nil
}

// count reads an optional positive integer, defaulting to def and capped at max.
func (c Command) count(def, maxN int) (int, error) {
	s, ok := c.arg(0)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: bad count %q", ErrMalformed, s)
	}
	return min(n, maxN), nil
}

// toggle reads a required on|off argument.
func (c Command) toggle() (bool, error) {
	s, _ := c.arg(0)
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("%w: %s expects on or off", ErrMalformed, c.Name)
}
