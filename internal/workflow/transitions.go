package workflow

import "github.com/zjrosen/mend/internal/store"

// transitions is the allowed edge set of the state machine. Terminal
// statuses have no outgoing edges.
var transitions = map[store.Status][]store.Status{
	store.StatusPending:     {store.StatusPreflight},
	store.StatusPreflight:   {store.StatusRepoSetup, store.StatusNeedsHumanReview},
	store.StatusRepoSetup:   {store.StatusReproducing, store.StatusNeedsHumanReview},
	store.StatusReproducing: {store.StatusFixing, store.StatusNeedsHumanReview},
	store.StatusFixing:      {store.StatusShipping, store.StatusNeedsHumanReview},
	store.StatusShipping:    {store.StatusPROpen, store.StatusNeedsHumanReview},
}

// AllowedTransition reports whether from → to is a legal edge. With
// skipPreflight the build/test gate is folded into startup, admitting
// pending → repo_setup.
func AllowedTransition(from, to store.Status, skipPreflight bool) bool {
	if skipPreflight && from == store.StatusPending && to == store.StatusRepoSetup {
		return true
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
