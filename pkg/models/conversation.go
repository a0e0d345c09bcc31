package models

// ConversationState is the domain-neutral container for everything
// learned from the user during a task: objective facts ("location" →
// "downtown"), choices among options ("proceed" → true), boolean
// control flags, and free-form metadata.
//
// Presence semantics: a key counts as present only when it exists AND
// its value is non-nil. A nil value is indistinguishable from absence
// for gating purposes.
type ConversationState struct {
	Facts     map[string]any  `json:"facts"`
	Decisions map[string]any  `json:"decisions"`
	Flags     map[string]bool `json:"flags"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// NewConversationState returns an empty state with all maps allocated.
func NewConversationState() *ConversationState {
	return &ConversationState{
		Facts:     make(map[string]any),
		Decisions: make(map[string]any),
		Flags:     make(map[string]bool),
		Metadata:  make(map[string]any),
	}
}

// HasFact reports whether the fact key is present with a non-nil value.
func (s *ConversationState) HasFact(key string) bool {
	v, ok := s.Facts[key]
	return ok && v != nil
}

// HasDecision reports whether the decision key is present with a
// non-nil value.
func (s *ConversationState) HasDecision(key string) bool {
	v, ok := s.Decisions[key]
	return ok && v != nil
}

// MissingFacts returns the subset of keys not yet present.
func (s *ConversationState) MissingFacts(keys []string) []string {
	var missing []string
	for _, k := range keys {
		if !s.HasFact(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// MissingDecisions returns the subset of keys not yet present.
func (s *ConversationState) MissingDecisions(keys []string) []string {
	var missing []string
	for _, k := range keys {
		if !s.HasDecision(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// SetFlag sets a boolean control flag.
func (s *ConversationState) SetFlag(key string, v bool) {
	if s.Flags == nil {
		s.Flags = make(map[string]bool)
	}
	s.Flags[key] = v
}

// Flag returns the flag value, false when unset.
func (s *ConversationState) Flag(key string) bool {
	return s.Flags[key]
}

// Clone returns a deep copy of the state.
func (s *ConversationState) Clone() *ConversationState {
	cp := &ConversationState{
		Facts:     cloneMap(s.Facts),
		Decisions: cloneMap(s.Decisions),
		Metadata:  cloneMap(s.Metadata),
		Flags:     make(map[string]bool, len(s.Flags)),
	}
	for k, v := range s.Flags {
		cp.Flags[k] = v
	}
	return cp
}

// Normalize allocates any nil maps. Called after deserialization so
// loaded states behave like fresh ones.
func (s *ConversationState) Normalize() {
	if s.Facts == nil {
		s.Facts = make(map[string]any)
	}
	if s.Decisions == nil {
		s.Decisions = make(map[string]any)
	}
	if s.Flags == nil {
		s.Flags = make(map[string]bool)
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
}
