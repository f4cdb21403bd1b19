package cmd

import (
	"github.com/keywatch/keywatch/internal/core"
	"github.com/keywatch/keywatch/internal/core/engine"
)

// orderResults sorts results into the order recipients were requested.
// Results for recipients not in the list keep their completion order at
// the end.
func orderResults(recipients []core.RecipientID, results []engine.Result) []engine.Result {
	byRecipient := make(map[core.RecipientID][]engine.Result, len(results))
	for _, result := range results {
		byRecipient[result.RecipientID] = append(byRecipient[result.RecipientID], result)
	}

	ordered := make([]engine.Result, 0, len(results))
	for _, recipientID := range recipients {
		ordered = append(ordered, byRecipient[recipientID]...)
		delete(byRecipient, recipientID)
	}
	for _, result := range results {
		if _, ok := byRecipient[result.RecipientID]; ok {
			ordered = append(ordered, result)
		}
	}
	return ordered
}
