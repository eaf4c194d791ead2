package main

import (
	"context"

	"github.com/getleon/leon/internal/agent"
)

// devModelProvider stands in when no model adapter is configured. Each
// run gets a fresh scripted model that answers once and finishes, so
// the full pipeline stays exercisable end to end in development mode.
type devModelProvider struct {
	name string
}

func (p *devModelProvider) ModelFor(ctx context.Context, threadID string) (agent.Model, error) {
	turns := []agent.ScriptedTurn{{
		Text: "Running in development mode: no model adapter is configured, " +
			"so responses are scripted. Configure a model integration to run live agents.",
		Usage: agent.Usage{InputTokens: 24, OutputTokens: 32},
	}}
	return agent.NewScripted(p.name, turns), nil
}
