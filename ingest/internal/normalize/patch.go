package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-openapi/jsonpointer"

	"github.com/hazyhaar/recette/ingest/internal/model"
)

// ValidatePatches checks every op and reports all problems at once as an
// INVALID_PATCH error.
func ValidatePatches(ops []model.PatchOperation) error {
	var issues []string
	for i, op := range ops {
		if err := validateOp(op); err != nil {
			issues = append(issues, fmt.Sprintf("patch %d: %v", i, err))
		}
	}
	if len(issues) == 0 {
		return nil
	}
	return model.Errorf(model.CodeInvalidPatch, "%d invalid patches", len(issues)).WithDetail("issues", issues)
}

func validateOp(op model.PatchOperation) error {
	var errs []error
	switch op.Op {
	case model.OpReplace, model.OpAdd:
		if len(op.Value) == 0 {
			errs = append(errs, fmt.Errorf("%s needs a value", op.Op))
		}
	case model.OpRemove:
	default:
		errs = append(errs, fmt.Errorf("unknown op %q", op.Op))
	}
	switch {
	case op.Path == "":
		errs = append(errs, errors.New("path is empty"))
	case !strings.HasPrefix(op.Path, "/"):
		errs = append(errs, fmt.Errorf("path %q does not start with /", op.Path))
	}
	return errors.Join(errs...)
}

// ApplyPatches applies ops in order to a JSON view of r. Each op either
// applies fully or is recorded as failed and skipped; ops after a failure
// still run. An empty list returns r unchanged with status success.
func ApplyPatches(r model.Recipe, ops []model.PatchOperation) model.PatchResult {
	res := model.PatchResult{Status: model.PatchSuccess, Recipe: r, Applied: []model.PatchOperation{}, Failed: []model.FailedPatch{}}
	if len(ops) == 0 {
		return res
	}
	doc, err := json.Marshal(r)
	if err != nil {
		for i, op := range ops {
			res.Failed = append(res.Failed, model.FailedPatch{Index: i, Op: op, Error: "recipe cannot be represented as JSON: " + err.Error()})
		}
		res.Status = model.PatchFailed
		return res
	}

	for i, op := range ops {
		if err := validateOp(op); err != nil {
			res.Failed = append(res.Failed, model.FailedPatch{Index: i, Op: op, Error: err.Error()})
			continue
		}
		next, orig, err := applyOp(doc, op)
		if err == nil {
			// The edited document must still be a recipe.
			var check model.Recipe
			err = decodeRecipe(next, &check)
		}
		if err != nil {
			res.Failed = append(res.Failed, model.FailedPatch{Index: i, Op: op, Error: err.Error()})
			continue
		}
		doc = next
		op.OriginalValue = orig
		res.Applied = append(res.Applied, op)
	}

	var out model.Recipe
	if err := decodeRecipe(doc, &out); err != nil {
		res.Status = model.PatchFailed
		return res
	}
	resyncIngredients(&out, res.Applied)
	res.Recipe = out

	switch {
	case len(res.Failed) > 0 && len(res.Applied) == 0:
		res.Status = model.PatchFailed
	case len(res.Failed) > 0:
		res.Status = model.PatchPartial
	}
	return res
}

// Lookup returns the JSON value at path in r, or nil when absent.
func Lookup(r model.Recipe, path string) json.RawMessage {
	doc, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	v, ok := valueAt(doc, path)
	if !ok {
		return nil
	}
	return v
}

func decodeRecipe(doc []byte, out *model.Recipe) error {
	if err := json.Unmarshal(doc, out); err != nil {
		return fmt.Errorf("result is not a valid recipe: %w", err)
	}
	return nil
}

// valueAt resolves an RFC 6901 pointer against doc.
func valueAt(doc []byte, path string) (json.RawMessage, bool) {
	ptr, err := jsonpointer.New(path)
	if err != nil {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(doc, &generic); err != nil {
		return nil, false
	}
	v, _, err := ptr.Get(generic)
	if err != nil {
		return nil, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// patchOp is the RFC 6902 wire form of one operation.
type patchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// applyOp applies op as a one-element patch and returns the edited
// document with the JSON of the value the op replaced or removed. An add
// onto an existing object member reports that member as the original.
func applyOp(doc []byte, op model.PatchOperation) ([]byte, json.RawMessage, error) {
	wire, err := json.Marshal([]patchOp{{Op: string(op.Op), Path: op.Path, Value: op.Value}})
	if err != nil {
		return nil, nil, fmt.Errorf("value is not JSON: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(wire)
	if err != nil {
		return nil, nil, err
	}

	var orig json.RawMessage
	switch op.Op {
	case model.OpReplace, model.OpRemove:
		orig, _ = valueAt(doc, op.Path)
	case model.OpAdd:
		if objectMember(doc, op.Path) {
			orig, _ = valueAt(doc, op.Path)
		}
	}

	opts := jsonpatch.NewApplyOptions()
	opts.SupportNegativeIndices = false
	next, err := patch.ApplyWithOptions(doc, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("path %s: %w", op.Path, err)
	}
	return next, orig, nil
}

// objectMember reports whether path names a member of an object, as opposed
// to an array slot where add inserts rather than overwrites.
func objectMember(doc []byte, path string) bool {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return false
	}
	parent, ok := valueAt(doc, path[:i])
	if !ok {
		return false
	}
	var m map[string]json.RawMessage
	return json.Unmarshal(parent, &m) == nil
}

var ingredientField = regexp.MustCompile(`^/ingredients/(\d+)/(raw|quantity|unit|name|note)$`)

// resyncIngredients keeps Raw and the parsed fields of edited ingredient
// lines consistent: an edited raw line is re-parsed, an edited part
// rebuilds the raw line.
func resyncIngredients(out *model.Recipe, applied []model.PatchOperation) {
	for _, op := range applied {
		m := ingredientField.FindStringSubmatch(op.Path)
		if m == nil {
			continue
		}
		i, _ := strconv.Atoi(m[1])
		if i >= len(out.Ingredients) {
			continue
		}
		in := &out.Ingredients[i]
		if m[2] == "raw" {
			*in = model.ParseIngredient(in.Raw)
			continue
		}
		parts := make([]string, 0, 3)
		for _, s := range []string{in.Quantity, in.Unit, in.Name} {
			if s != "" {
				parts = append(parts, s)
			}
		}
		raw := strings.Join(parts, " ")
		if in.Note != "" {
			raw += ", " + in.Note
		}
		in.Raw = raw
	}
}
