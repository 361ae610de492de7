package pagegen

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/agencyscout/internal/activity"
	"github.com/mohammad-safakhou/agencyscout/internal/agent"
	"github.com/mohammad-safakhou/agencyscout/internal/calls"
	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/prompts"
)

// AgentGenerator asks the agent runtime to write the page and mirrors its
// tool calls into the post-call activity log.
type AgentGenerator struct {
	Agent       agent.Agent
	Prompts     *prompts.Set
	WorkDir     string
	Lock        docstore.LockOptions
	ActivityCap int
}

func (g *AgentGenerator) Generate(ctx context.Context, call calls.Record, outputPath, activityPath string) error {
	p := g.Prompts
	if p == nil {
		p = prompts.Default()
	}
	instruction, err := p.Page(prompts.PageData{
		CallID:         call.CallID,
		CallerName:     call.CallerName,
		AgencyName:     call.AgencyName,
		AgencyLocation: call.AgencyLocation,
		Summary:        call.Summary,
		OutputPath:     outputPath,
		ActivityPath:   activityPath,
	})
	if err != nil {
		return err
	}
	run, err := g.Agent.Invoke(ctx, agent.Invocation{Instruction: instruction, WorkDir: g.WorkDir})
	if err != nil {
		return fmt.Errorf("invoke agent: %w", err)
	}
	for ev := range run.Events() {
		if ev.Type != agent.EventToolUse {
			continue
		}
		_, _ = activity.AppendFile(ctx, activityPath, g.Lock, g.ActivityCap,
			activity.Message{Type: activity.TypeTool, Text: agent.ToolSummary(ev), Source: "pagegen"})
	}
	return run.Wait()
}
