package session

import (
	"context"

	"github.com/cclavio/earshot/pkg/classify"
	"github.com/cclavio/earshot/pkg/events"
	"github.com/cclavio/earshot/pkg/exchange"
	"github.com/cclavio/earshot/pkg/metrics"
	"github.com/cclavio/earshot/pkg/playback"
	"github.com/cclavio/earshot/pkg/resilience"
	"github.com/cclavio/earshot/pkg/vision"
)

// TurnHandler answers a finalized turn. Wired to the language-model agent by
// the embedding application; the engine never constructs prompts itself.
type TurnHandler interface {
	HandleTurn(ctx context.Context, t events.Turn) (string, error)
}

// TurnHandlerFunc adapts a function to TurnHandler.
type TurnHandlerFunc func(ctx context.Context, t events.Turn) (string, error)

func (f TurnHandlerFunc) HandleTurn(ctx context.Context, t events.Turn) (string, error) {
	return f(ctx, t)
}

// CommandHandler executes a device command and returns spoken confirmation.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd classify.Command) (string, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd classify.Command) (string, error)

func (f CommandHandlerFunc) HandleCommand(ctx context.Context, cmd classify.Command) (string, error) {
	return f(ctx, cmd)
}

// Collaborators are the external boundaries one session talks to.
type Collaborators struct {
	Turns    TurnHandler
	Commands CommandHandler
	Vision   *vision.Resolver
	Output   playback.Output
	Tracker  exchange.Tracker
	Observer metrics.Observer
	// Breaker guards the agent path: while open, turns get the neutral
	// error reply without invoking the agent.
	Breaker *resilience.CircuitBreaker
}
