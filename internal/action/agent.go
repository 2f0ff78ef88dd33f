// ABOUTME: Agent turns a session context snapshot into candidate drafting actions and executes them.
// ABOUTME: Pure over the context blob: handlers return deltas and artifacts, never touch a session.

package action

import (
	"fmt"
	"log/slog"
)

// Parameter kinds for ParamSpec.Kind.
const (
	ParamString = "string"
	ParamNumber = "number"
	ParamBool   = "bool"
	ParamList   = "list"
	ParamObject = "object"
)

// Artifact kinds.
const (
	ArtifactGeometry = "geometry"
	ArtifactCode     = "code"
	ArtifactText     = "text"
)

// Drafting modes accepted by set_mode.
var modes = []string{"select", "draw", "annotate", "measure"}

// ParamSpec describes one action parameter as a tagged variant with a
// representative example value.
type ParamSpec struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Example  any      `json:"example,omitempty"`
	Required bool     `json:"required"`
	Enum     []string `json:"enum,omitempty"`
}

// CandidateAction is one admissible action derived from the current
// context. Name is used verbatim as the identifier on execution.
type CandidateAction struct {
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Params       []ParamSpec `json:"params,omitempty"`
	Hints        []string    `json:"hints,omitempty"`
	ElementTypes []string    `json:"element_types,omitempty"`
}

// Request names the action to execute and carries its parameters.
type Request struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Result is the outcome of executing one action. UpdatedContext is a
// key-level delta the caller merges into the session, except when Replace
// is set (reset_workspace), where it replaces the context wholesale.
type Result struct {
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	UpdatedContext map[string]any `json:"updated_context,omitempty"`
	Replace        bool           `json:"-"`
	Artifacts      []Artifact     `json:"artifacts,omitempty"`
}

// Artifact is a typed payload produced by an action.
type Artifact struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	Data any    `json:"data"`
}

// Agent proposes and executes drafting actions over context snapshots.
type Agent struct {
	logger *slog.Logger
}

// NewAgent creates the drafting agent.
func NewAgent(logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{logger: logger.With("component", "action")}
}

// AvailableActions derives the ordered candidate set from a context
// snapshot: always-available actions first, then the ones the current
// context admits.
func (a *Agent) AvailableActions(ctx map[string]any) []CandidateAction {
	elements := elementList(ctx)
	selection := stringList(ctx["selection"])
	_, hasStats := ctx["statistics"].(map[string]any)

	out := []CandidateAction{
		{
			Name:        "set_mode",
			Description: "Switch the active drafting mode",
			Params: []ParamSpec{
				{Name: "mode", Kind: ParamString, Example: "draw", Required: true, Enum: modes},
			},
		},
		{
			Name:        "reset_workspace",
			Description: "Discard the current workspace and start from an empty default",
		},
	}

	if len(elements) > 0 {
		types := elementTypes(elements)
		out = append(out,
			CandidateAction{
				Name:        "select_elements",
				Description: "Select drawing elements by id or by element type",
				Params: []ParamSpec{
					{Name: "ids", Kind: ParamList, Example: []string{"line-1"}},
					{Name: "element_type", Kind: ParamString, Example: firstOr(types, "line")},
				},
				Hints:        []string{fmt.Sprintf("%d elements on the board", len(elements))},
				ElementTypes: types,
			},
		)
	}

	if len(selection) > 0 {
		out = append(out,
			CandidateAction{
				Name:        "clear_selection",
				Description: "Deselect every selected element",
				Hints:       []string{fmt.Sprintf("%d elements selected", len(selection))},
			},
			CandidateAction{
				Name:        "annotate_selection",
				Description: "Attach a note to the selected elements",
				Params: []ParamSpec{
					{Name: "note", Kind: ParamString, Example: "check tolerances", Required: true},
				},
				Hints: []string{fmt.Sprintf("%d elements selected", len(selection))},
			},
		)
	}

	if len(elements) > 0 {
		out = append(out,
			CandidateAction{
				Name:        "summarize_drawing",
				Description: "Produce a text summary of the drawing",
			},
			CandidateAction{
				Name:        "export_manifest",
				Description: "Export a JSON manifest of elements and annotations",
			},
		)
	}

	if hasStats {
		out = append(out, CandidateAction{
			Name:        "tune_performance",
			Description: "Adapt render settings toward the target frame rate",
			Params: []ParamSpec{
				{Name: "target_fps", Kind: ParamNumber, Example: 60},
			},
		})
	}

	return out
}

// Execute dispatches by verbatim action name. An unknown name is a failure
// result, not an error, so callers keep a uniform shape.
func (a *Agent) Execute(req Request, ctx map[string]any) Result {
	var res Result
	switch req.Action {
	case "set_mode":
		res = a.setMode(req.Params)
	case "reset_workspace":
		res = a.resetWorkspace()
	case "select_elements":
		res = a.selectElements(req.Params, ctx)
	case "clear_selection":
		res = a.clearSelection(ctx)
	case "annotate_selection":
		res = a.annotateSelection(req.Params, ctx)
	case "summarize_drawing":
		res = a.summarizeDrawing(ctx)
	case "export_manifest":
		res = a.exportManifest(ctx)
	case "tune_performance":
		res = a.tunePerformance(req.Params, ctx)
	default:
		res = failure(fmt.Sprintf("unknown action %q", req.Action))
	}

	a.logger.Debug("action executed", "action", req.Action, "success", res.Success)
	return res
}

func failure(msg string) Result {
	return Result{Success: false, Message: msg}
}

func firstOr(list []string, def string) string {
	if len(list) > 0 {
		return list[0]
	}
	return def
}
