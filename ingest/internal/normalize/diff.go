package normalize

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/recette/ingest/internal/llm"
	"github.com/hazyhaar/recette/ingest/internal/model"
)

// RenderDiff writes a markdown review sheet of ops against r. preview, when
// given, marks which ops failed to apply.
func RenderDiff(r model.Recipe, ops []model.PatchOperation, summary model.PatchSummary, preview *model.PatchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Proposed changes: %s\n\n", mdEscape(r.Name))
	fmt.Fprintf(&b, "%d changes: %d low, %d medium, %d high risk.\n", summary.Total, summary.Low, summary.Medium, summary.High)
	if summary.HasHighRiskChanges {
		b.WriteString("\n**High-risk changes need careful review.**\n")
	}
	if summary.Notes != "" {
		fmt.Fprintf(&b, "\n%s\n", mdEscape(summary.Notes))
	}
	if len(ops) == 0 {
		b.WriteString("\nNo changes proposed.\n")
		return b.String()
	}

	failed := map[int]string{}
	if preview != nil {
		for _, f := range preview.Failed {
			failed[f.Index] = f.Error
		}
	}

	b.WriteString("\n| # | Risk | Op | Path | Before | After | Reason |\n|---|---|---|---|---|---|---|\n")
	for i, op := range ops {
		risk := string(op.Risk)
		if op.Risk == model.RiskHigh {
			risk = "**high**"
		}
		after := string(op.Value)
		if op.Op == model.OpRemove {
			after = "(removed)"
		}
		before := string(op.OriginalValue)
		if before == "" {
			before = "(none)"
		}
		reason := op.Reason
		if msg, ok := failed[i]; ok {
			reason = "cannot apply: " + msg
		}
		fmt.Fprintf(&b, "| %d | %s | %s | `%s` | %s | %s | %s |\n",
			i, risk, op.Op, op.Path, cell(before), cell(after), cell(reason))
	}
	return b.String()
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 120 {
		s = llm.Truncate(s, 117) + "..."
	}
	return mdEscape(s)
}

func mdEscape(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
