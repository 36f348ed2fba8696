package bandit

// PolicyParameters is the prompt-shaping parameter bundle a policy
// variant carries, per spec.md §3.
type PolicyParameters struct {
	Greeting           string  `json:"greeting"`
	Tone               string  `json:"tone"`
	Length             string  `json:"length"`
	InquiryMode        string  `json:"inquiry_mode"`
	BargeInSensitivity float64 `json:"barge_in_sensitivity"`
}

// Variant is a policy catalog entry: an id, its parameters, and IsBase,
// which identifies the one never-blacklisted fallback variant. It
// carries no New/Uncertain flags; the Deploy Gate keeps that
// classification in its own State sets and persists it there.
type Variant struct {
	ID         string           `json:"id"`
	Parameters PolicyParameters `json:"parameters"`
	IsBase     bool             `json:"is_base"`
}
