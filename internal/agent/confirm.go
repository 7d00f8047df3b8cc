package agent

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// NoChangesMarker is the escape hatch the retry prompt offers the agent.
const NoChangesMarker = "NO_CHANGES_NEEDED"

// confirmationCues are lower-case phrases that mean the agent is asking for
// permission instead of acting.
var confirmationCues = []string{
	"would you like me to",
	"do you want me to",
	"shall i proceed",
	"shall i go ahead",
	"should i proceed",
	"should i go ahead",
	"would you like to proceed",
	"please confirm",
	"can you confirm",
	"let me know if you'd like",
	"let me know if you would like",
	"let me know if you want",
	"awaiting your confirmation",
	"waiting for your confirmation",
	"i need your permission",
	"need your approval",
	"before i make any changes",
}

// DetectConfirmation reports whether output reads like a request for human
// confirmation. Matching is a case-insensitive substring search.
func DetectConfirmation(output string) bool {
	lower := strings.ToLower(output)
	for _, cue := range confirmationCues {
		if strings.Contains(lower, cue) {
			log.Debug().Str("cue", cue).Msg("agent output contains confirmation cue")
			return true
		}
	}
	return false
}
