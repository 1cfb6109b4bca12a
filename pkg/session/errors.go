package session

import "errors"

var (
	errNoHandler        = errors.New("no command handler configured")
	errAgentUnavailable = errors.New("agent circuit open")
)
