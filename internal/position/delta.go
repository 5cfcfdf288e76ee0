package position

import "github.com/rewired-gh/quantpilot/internal/models"

// Delta returns target minus current over the union of both symbol sets.
// A held symbol with no target gets a delta that closes it.
func Delta(target, current models.Amounts) models.Amounts {
	out := make(models.Amounts, len(target)+len(current))
	for s, v := range target {
		out[s] = v - current[s]
	}
	for s, v := range current {
		if _, ok := target[s]; !ok {
			out[s] = -v
		}
	}
	return out
}
