package features

// Stage buckets the lifecycle of a rendering feature flag.
type Stage string

const (
	StageStable       Stage = "stable"
	StageBeta         Stage = "beta"
	StageExperimental Stage = "experimental"
	StageDeprecated   Stage = "deprecated"
)

// Spec describes a feature flag recognized by the renderer.
type Spec struct {
	Key            string
	Stage          Stage
	DefaultEnabled bool
}

// Specs is the feature surface of the incremental renderer.
var Specs = []Spec{
	{Key: "batching", Stage: StageStable, DefaultEnabled: true},
	{Key: "virtualization", Stage: StageStable, DefaultEnabled: true},
	{Key: "defer_until_visible", Stage: StageStable, DefaultEnabled: true},
	{Key: "viewport_priority", Stage: StageBeta, DefaultEnabled: true},
	{Key: "worker_render", Stage: StageStable, DefaultEnabled: true},
	{Key: "partial_diagrams", Stage: StageBeta, DefaultEnabled: true},
	{Key: "clipboard", Stage: StageStable, DefaultEnabled: true},
}

var known = func() map[string]Spec {
	m := make(map[string]Spec, len(Specs))
	for _, spec := range Specs {
		m[spec.Key] = spec
	}
	return m
}()

// IsKnown reports whether the feature key is recognized.
func IsKnown(key string) bool {
	_, ok := known[key]
	return ok
}

// StageFor returns the lifecycle stage for a feature, defaulting to experimental.
func StageFor(key string) Stage {
	if spec, ok := known[key]; ok {
		return spec.Stage
	}
	return StageExperimental
}

// DefaultEnabled reports the default value for the given feature key.
func DefaultEnabled(key string) bool {
	if spec, ok := known[key]; ok {
		return spec.DefaultEnabled
	}
	return false
}

// Resolve merges explicit overrides over the defaults, ignoring unknown keys.
func Resolve(overrides map[string]bool) map[string]bool {
	out := make(map[string]bool, len(Specs))
	for _, spec := range Specs {
		out[spec.Key] = spec.DefaultEnabled
	}
	for k, v := range overrides {
		if IsKnown(k) {
			out[k] = v
		}
	}
	return out
}
