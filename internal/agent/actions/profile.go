package actions

// ExecutorProfileID selects an executor and, optionally, one of its variants.
// A nil Variant means the executor's default configuration.
type ExecutorProfileID struct {
	Executor string  `json:"executor"`
	Variant  *string `json:"variant,omitempty"`
}

// NewProfileID builds a profile id. An empty variant selects the default.
func NewProfileID(executor, variant string) ExecutorProfileID {
	id := ExecutorProfileID{Executor: executor}
	if variant != "" {
		id.Variant = &variant
	}
	return id
}

// ToDefaultVariant drops the variant so the executor runs its stable configuration.
func (p ExecutorProfileID) ToDefaultVariant() ExecutorProfileID {
	return ExecutorProfileID{Executor: p.Executor}
}

// VariantName returns the variant or "" for the default.
func (p ExecutorProfileID) VariantName() string {
	if p.Variant == nil {
		return ""
	}
	return *p.Variant
}

func (p ExecutorProfileID) String() string {
	if p.Variant == nil {
		return p.Executor
	}
	return p.Executor + ":" + *p.Variant
}
