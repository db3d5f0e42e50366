package normalize

import (
	"regexp"

	"github.com/hazyhaar/recette/ingest/internal/model"
)

// Categories with a fixed risk. Anything else keeps the model's declared
// risk, or medium when it declared none.
var categoryRisk = map[string]model.Risk{
	"unit_format":       model.RiskLow,
	"casing":            model.RiskLow,
	"whitespace":        model.RiskLow,
	"ingredient_rename": model.RiskHigh,
	"unit_conversion":   model.RiskHigh,
	"quantity_change":   model.RiskHigh,
	"step_reorder":      model.RiskHigh,
}

var (
	quantityPath = regexp.MustCompile(`^/ingredients/(\d+|-)/quantity$`)
	itemPath     = regexp.MustCompile(`^/(ingredients|instructions)/(\d+|-)$`)
)

// Grade returns the risk of op. The category decides; a patch that edits a
// quantity, or adds or removes a whole ingredient or step, is high whatever
// its category says.
func Grade(op model.PatchOperation) model.Risk {
	risk, ok := categoryRisk[op.Category]
	if !ok {
		risk = model.RiskMedium
		if op.Risk.Valid() {
			risk = op.Risk
		}
	}
	if quantityPath.MatchString(op.Path) {
		risk = risk.Max(model.RiskHigh)
	}
	if op.Op != model.OpReplace && itemPath.MatchString(op.Path) {
		risk = risk.Max(model.RiskHigh)
	}
	return risk
}

// Summarize counts ops by risk.
func Summarize(ops []model.PatchOperation, notes string) model.PatchSummary {
	s := model.PatchSummary{Total: len(ops), Notes: notes}
	for _, op := range ops {
		switch op.Risk {
		case model.RiskLow:
			s.Low++
		case model.RiskHigh:
			s.High++
		default:
			s.Medium++
		}
	}
	s.HasHighRiskChanges = s.High > 0
	return s
}
