// Package tokenusage is a leaf package for the one struct both
// sessionstore and checkpoint need to fold and persist: how many tokens
// an agent spent producing a session's steps. Kept separate from both
// so neither has to import the other just for this.
package tokenusage

// Usage accumulates token counts across every step a session has
// recorded. SubagentTokens is nil unless the session spawned at least
// one subagent task.
type Usage struct {
	InputTokens         int    `json:"inputTokens,omitempty"`
	CacheCreationTokens int    `json:"cacheCreationTokens,omitempty"`
	CacheReadTokens     int    `json:"cacheReadTokens,omitempty"`
	OutputTokens        int    `json:"outputTokens,omitempty"`
	APICallCount        int    `json:"apiCallCount,omitempty"`
	SubagentTokens      *Usage `json:"subagentTokens,omitempty"`
}

// Add folds other into u in place, including SubagentTokens.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.OutputTokens += other.OutputTokens
	u.APICallCount += other.APICallCount

	if other.SubagentTokens == nil {
		return
	}
	if u.SubagentTokens == nil {
		u.SubagentTokens = &Usage{}
	}
	u.SubagentTokens.Add(*other.SubagentTokens)
}

// IsZero reports whether no usage has been recorded at all.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.CacheCreationTokens == 0 && u.CacheReadTokens == 0 &&
		u.OutputTokens == 0 && u.APICallCount == 0 && u.SubagentTokens == nil
}
