// ABOUTME: Drafting-domain action handlers: mode, selection, annotation, summary, manifest, tuning.
// ABOUTME: Handlers do bookkeeping over the context blob; geometry math never happens here.

package action

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
)

// Adaptation thresholds and clamps for tune_performance. These mirror the
// desktop optimizer's rules: scale shrinks by 10% per step down to 0.5,
// grows by 10% up to 1.0; lod bias moves in 0.1/0.05 steps, floored at 0.
const (
	defaultTargetFPS   = 60.0
	lowFPSRatio        = 0.8
	highFPSRatio       = 1.2
	minResolutionScale = 0.5
	maxResolutionScale = 1.0
)

// DefaultContext is the empty workspace reset_workspace restores.
func DefaultContext() map[string]any {
	return map[string]any{
		"mode":        "select",
		"elements":    []any{},
		"selection":   []any{},
		"annotations": []any{},
	}
}

func (a *Agent) setMode(params map[string]any) Result {
	mode, _ := params["mode"].(string)
	if mode == "" {
		return failure("mode is required")
	}
	if !slices.Contains(modes, mode) {
		return failure(fmt.Sprintf("unsupported mode %q", mode))
	}
	return Result{
		Success:        true,
		Message:        fmt.Sprintf("mode set to %s", mode),
		UpdatedContext: map[string]any{"mode": mode},
	}
}

func (a *Agent) resetWorkspace() Result {
	return Result{
		Success:        true,
		Message:        "workspace reset",
		UpdatedContext: DefaultContext(),
		Replace:        true,
	}
}

func (a *Agent) selectElements(params, ctx map[string]any) Result {
	elements := elementList(ctx)
	if len(elements) == 0 {
		return failure("no elements in context")
	}

	ids := stringList(params["ids"])
	elType, _ := params["element_type"].(string)
	if len(ids) == 0 && elType == "" {
		return failure("ids or element_type is required")
	}

	known := make(map[string]bool, len(elements))
	var selected []string
	for _, el := range elements {
		id, _ := el["id"].(string)
		if id == "" {
			continue
		}
		known[id] = true
		if elType != "" && el["type"] == elType {
			selected = append(selected, id)
		}
	}
	for _, id := range ids {
		if known[id] && !slices.Contains(selected, id) {
			selected = append(selected, id)
		}
	}
	if len(selected) == 0 {
		return failure("no elements matched the selection")
	}

	return Result{
		Success:        true,
		Message:        fmt.Sprintf("selected %d elements", len(selected)),
		UpdatedContext: map[string]any{"selection": selected},
	}
}

func (a *Agent) clearSelection(ctx map[string]any) Result {
	if len(stringList(ctx["selection"])) == 0 {
		return failure("nothing selected")
	}
	return Result{
		Success:        true,
		Message:        "selection cleared",
		UpdatedContext: map[string]any{"selection": []any{}},
	}
}

func (a *Agent) annotateSelection(params, ctx map[string]any) Result {
	selection := stringList(ctx["selection"])
	if len(selection) == 0 {
		return failure("nothing selected")
	}
	note, _ := params["note"].(string)
	if note == "" {
		return failure("note is required")
	}

	annotations := append(anyList(ctx["annotations"]), map[string]any{
		"note":     note,
		"elements": selection,
	})
	return Result{
		Success:        true,
		Message:        fmt.Sprintf("annotated %d elements", len(selection)),
		UpdatedContext: map[string]any{"annotations": annotations},
	}
}

func (a *Agent) summarizeDrawing(ctx map[string]any) Result {
	elements := elementList(ctx)
	if len(elements) == 0 {
		return failure("no elements in context")
	}

	byType := make(map[string]int)
	layers := make(map[string]bool)
	for _, el := range elements {
		if t, ok := el["type"].(string); ok && t != "" {
			byType[t]++
		}
		if l, ok := el["layer"].(string); ok && l != "" {
			layers[l] = true
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "drawing with %d elements", len(elements))
	if len(layers) > 0 {
		fmt.Fprintf(&b, " across %d layers", len(layers))
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(&b, "\n- %s: %d", t, byType[t])
	}
	if stats, ok := ctx["statistics"].(map[string]any); ok {
		if fps, ok := numberVal(stats["fps"]); ok {
			fmt.Fprintf(&b, "\nrendering at %.0f fps", fps)
		}
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("summarized %d elements", len(elements)),
		Artifacts: []Artifact{
			{Kind: ArtifactText, Name: "drawing-summary", Data: b.String()},
		},
	}
}

func (a *Agent) exportManifest(ctx map[string]any) Result {
	elements := elementList(ctx)
	if len(elements) == 0 {
		return failure("no elements in context")
	}

	manifest := map[string]any{
		"version":     1,
		"elements":    elements,
		"annotations": anyList(ctx["annotations"]),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return failure(fmt.Sprintf("encoding manifest: %v", err))
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("exported manifest with %d elements", len(elements)),
		Artifacts: []Artifact{
			{Kind: ArtifactCode, Name: "drawing-manifest.json", Data: string(data)},
		},
	}
}

func (a *Agent) tunePerformance(params, ctx map[string]any) Result {
	stats, ok := ctx["statistics"].(map[string]any)
	if !ok {
		return failure("no statistics in context")
	}
	fps, ok := numberVal(stats["fps"])
	if !ok {
		return failure("statistics carry no fps measurement")
	}

	settings := mapCopy(ctx["settings"])
	target := defaultTargetFPS
	if v, ok := numberVal(settings["target_fps"]); ok && v > 0 {
		target = v
	}
	if v, ok := numberVal(params["target_fps"]); ok && v > 0 {
		target = v
	}
	scale := maxResolutionScale
	if v, ok := numberVal(settings["resolution_scale"]); ok {
		scale = v
	}
	bias := 0.0
	if v, ok := numberVal(settings["lod_bias"]); ok {
		bias = v
	}

	var msg string
	switch {
	case fps < target*lowFPSRatio:
		scale = math.Max(minResolutionScale, scale*0.9)
		bias += 0.1
		msg = fmt.Sprintf("fps %.1f below target %.0f: lowered resolution scale to %.2f, raised lod bias to %.2f",
			fps, target, scale, bias)
	case fps > target*highFPSRatio:
		scale = math.Min(maxResolutionScale, scale*1.1)
		bias = math.Max(0, bias-0.05)
		msg = fmt.Sprintf("fps %.1f above target %.0f: raised resolution scale to %.2f, lowered lod bias to %.2f",
			fps, target, scale, bias)
	default:
		return Result{
			Success: true,
			Message: fmt.Sprintf("fps %.1f within target band around %.0f, settings unchanged", fps, target),
		}
	}

	settings["target_fps"] = target
	settings["resolution_scale"] = scale
	settings["lod_bias"] = bias
	return Result{
		Success:        true,
		Message:        msg,
		UpdatedContext: map[string]any{"settings": settings},
	}
}

// elementList pulls the element objects out of the context, dropping
// anything that is not an object.
func elementList(ctx map[string]any) []map[string]any {
	var out []map[string]any
	for _, v := range anyList(ctx["elements"]) {
		if el, ok := v.(map[string]any); ok {
			out = append(out, el)
		}
	}
	return out
}

func elementTypes(elements []map[string]any) []string {
	seen := make(map[string]bool)
	for _, el := range elements {
		if t, ok := el["type"].(string); ok && t != "" {
			seen[t] = true
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// anyList coerces decoded-JSON or Go-built lists into a fresh []any copy.
func anyList(v any) []any {
	switch list := v.(type) {
	case []any:
		out := make([]any, len(list))
		copy(out, list)
		return out
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(list))
		for i, m := range list {
			out[i] = m
		}
		return out
	}
	return nil
}

func stringList(v any) []string {
	var out []string
	for _, item := range anyList(v) {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func numberVal(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func mapCopy(v any) map[string]any {
	m, _ := v.(map[string]any)
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}
