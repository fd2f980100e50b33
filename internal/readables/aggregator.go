// ABOUTME: Merges registered readables into one ordered context document per agent turn.
// ABOUTME: Enforces an optional token budget by dropping the oldest entries first.

package readables

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/copilot-bridge/internal/capability"
)

// TruncatedDescription labels the marker entry placed at the head of a truncated snapshot.
const TruncatedDescription = "truncated"

// DefaultCharsPerToken is the fallback ratio used to estimate token counts.
const DefaultCharsPerToken = 4

// Entry is one readable as it appears in the agent context.
type Entry struct {
	Description string `json:"description"`
	Value       any    `json:"value"`
}

// Snapshot is the ordered readable context for one turn.
type Snapshot struct {
	Entries []Entry `json:"entries"`
	// Omitted is the number of entries dropped to fit the budget.
	Omitted int `json:"omitted,omitempty"`
}

// Config configures an Aggregator.
type Config struct {
	Catalog capability.Catalog
	// TokenBudget caps the estimated size of the snapshot. Zero means unlimited.
	TokenBudget   int
	CharsPerToken int
	Logger        *slog.Logger
}

// Aggregator builds snapshots from the readables in a catalog.
type Aggregator struct {
	catalog       capability.Catalog
	budget        int
	charsPerToken int
	logger        *slog.Logger
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	cpt := cfg.CharsPerToken
	if cpt <= 0 {
		cpt = DefaultCharsPerToken
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		catalog:       cfg.Catalog,
		budget:        cfg.TokenBudget,
		charsPerToken: cpt,
		logger:        logger,
	}
}

// Snapshot returns the current readables in registration order.
// When a budget is set and exceeded, the oldest entries are removed and a
// marker entry reporting how many were omitted is put first.
func (a *Aggregator) Snapshot() Snapshot {
	rds := a.catalog.Readables()
	entries := make([]Entry, len(rds))
	for i, rd := range rds {
		entries[i] = Entry{Description: rd.Description, Value: rd.Value}
	}

	if a.budget <= 0 {
		return Snapshot{Entries: entries}
	}

	costs := make([]int, len(entries))
	total := 0
	for i, e := range entries {
		costs[i] = a.estimate(e)
		total += costs[i]
	}
	if total <= a.budget {
		return Snapshot{Entries: entries}
	}

	// Drop from the front (oldest) until the rest plus the marker fits.
	omitted := 0
	for omitted < len(entries) {
		marker := truncationMarker(omitted + 1)
		total -= costs[omitted]
		omitted++
		if total+a.estimate(marker) <= a.budget {
			break
		}
	}

	a.logger.Warn("readable snapshot truncated",
		"omitted", omitted,
		"kept", len(entries)-omitted,
		"token_budget", a.budget,
	)

	kept := make([]Entry, 0, len(entries)-omitted+1)
	kept = append(kept, truncationMarker(omitted))
	kept = append(kept, entries[omitted:]...)
	return Snapshot{Entries: kept, Omitted: omitted}
}

func truncationMarker(n int) Entry {
	return Entry{
		Description: TruncatedDescription,
		Value:       fmt.Sprintf("%d earlier entries omitted", n),
	}
}

// estimate returns the approximate token cost of one entry.
func (a *Aggregator) estimate(e Entry) int {
	data, err := json.Marshal(e)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", e))
	}
	return (len(data) + a.charsPerToken - 1) / a.charsPerToken
}

// Render formats the snapshot as the context document given to the agent.
// Returns "" when there is nothing to render.
func (s Snapshot) Render() string {
	if len(s.Entries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("The following application state is currently available:\n")
	for _, e := range s.Entries {
		value, err := json.Marshal(e.Value)
		if err != nil {
			value = []byte(fmt.Sprintf("%q", fmt.Sprint(e.Value)))
		}
		fmt.Fprintf(&b, "- %s: %s\n", e.Description, value)
	}
	return b.String()
}
