package phase

// SourcePolicy decides which block a discovered source belongs to when the
// backend does not say. The backend and this client must agree on it; keep it
// in configuration rather than code so both sides can be changed together.
type SourcePolicy struct {
	// AttachPhases lists phases whose running block takes unattributed
	// sources directly.
	AttachPhases []string `yaml:"attach_phases" toml:"attach_phases"`

	// FallbackPhase receives unattributed sources when the current block's
	// phase is not in AttachPhases.
	FallbackPhase string `yaml:"fallback_phase" toml:"fallback_phase"`
}

// DefaultSourcePolicy attaches sources to a running reading or analyzing
// block and to the searching block otherwise.
func DefaultSourcePolicy() SourcePolicy {
	return SourcePolicy{
		AttachPhases:  []string{Reading, Analyzing},
		FallbackPhase: Searching,
	}
}

// target returns the block index for a source. Order of preference: the
// explicitly named phase, the current block when its phase is an attach
// phase, the fallback phase, then the current block whatever its phase.
func (p SourcePolicy) target(t *Tracker, explicit string) (int, bool) {
	if explicit != "" {
		if idx, ok := t.resolve(explicit); ok {
			return idx, true
		}
	}

	cur := t.currentBlock()
	if cur != nil && cur.Status != Pending && p.attaches(cur.Phase) {
		return t.current, true
	}
	if p.FallbackPhase != "" {
		if idx, ok := t.resolve(p.FallbackPhase); ok {
			return idx, true
		}
	}
	if cur != nil {
		return t.current, true
	}
	return 0, false
}

func (p SourcePolicy) attaches(phase string) bool {
	for _, ph := range p.AttachPhases {
		if ph == phase {
			return true
		}
	}
	return false
}
