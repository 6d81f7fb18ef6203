package arbitrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CLIAIMONITOR/coordcore/internal/bus"
)

// buildPrompt assembles the arbitration brief, generalizing the teacher's
// buildSubagentPrompt (a strings.Builder building a role-tagged markdown
// prompt from mission fields) to a conflict type/parties/evidence/context
// brief instead of a mission description.
func (a *Arbitrator) buildPrompt(c bus.Conflict, ctx bus.ProjectContext) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Conflict Arbitration: %s\n\n", c.ID))
	sb.WriteString(fmt.Sprintf("## Type\n%s\n\n", c.Type))
	sb.WriteString(fmt.Sprintf("## Task\n%s\n\n", c.TaskID))
	sb.WriteString("## Parties\n")
	for _, p := range c.Parties {
		sb.WriteString("- " + p + "\n")
	}
	sb.WriteString("\n## Evidence\n")
	writeJSONBlock(&sb, c.Evidence)

	sb.WriteString("\n## Relevant Project Context\n")
	writeContextSlice(&sb, ctx, c.Parties)

	sb.WriteString("\n## Instructions\n")
	sb.WriteString("You are an arbitration agent resolving a conflict between autonomous agents.\n")
	sb.WriteString("- Weigh the evidence and relevant context slots above.\n")
	sb.WriteString("- Decide a winner when one party's work should be kept, or describe a merge.\n")
	sb.WriteString("- Set escalate=true only if the conflict cannot be resolved from the evidence given.\n")
	sb.WriteString("- Respond with exactly one JSON object and nothing else, matching this shape:\n")
	sb.WriteString(`{"winner": "<party or empty>", "rationale": "<your reasoning>", "mergedArtifact": "<merged content or empty>", "escalate": false}`)
	sb.WriteString("\n")

	return sb.String()
}

// buildRepairedPrompt is the one corrective retry the spec allows: it
// repeats the original brief and appends the parse failure so the model
// can see exactly what was wrong with its prior reply.
func (a *Arbitrator) buildRepairedPrompt(c bus.Conflict, ctx bus.ProjectContext, parseErr error) string {
	var sb strings.Builder
	sb.WriteString(a.buildPrompt(c, ctx))
	sb.WriteString("\n## Correction Required\n")
	sb.WriteString(fmt.Sprintf("Your previous reply could not be parsed: %v\n", parseErr))
	sb.WriteString("Reply again with exactly one JSON object, no markdown fencing, no prose before or after it.\n")
	return sb.String()
}

func writeJSONBlock(sb *strings.Builder, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		sb.WriteString("(unavailable)\n")
		return
	}
	sb.Write(data)
	sb.WriteString("\n")
}

// writeContextSlice includes only the project context slots tagged as
// requirement, decision, or artifact plus any slot named after a party, to
// keep the arbitration prompt bounded instead of inlining the entire
// ProjectContext.
func writeContextSlice(sb *strings.Builder, ctx bus.ProjectContext, parties []string) {
	interesting := map[string]bool{}
	for name, slot := range ctx.Slots {
		if slot.Tag == "requirement" || slot.Tag == "decision" || slot.Tag == "artifact" {
			interesting[name] = true
		}
	}
	for _, p := range parties {
		if _, ok := ctx.Slots[p]; ok {
			interesting[p] = true
		}
	}

	if len(interesting) == 0 {
		sb.WriteString("(no relevant context slots)\n")
		return
	}
	for name := range interesting {
		slot := ctx.Slots[name]
		sb.WriteString(fmt.Sprintf("### %s (%s)\n", name, slot.Tag))
		writeJSONBlock(sb, slot.Value)
	}
}
