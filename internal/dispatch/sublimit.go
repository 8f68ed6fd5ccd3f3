package dispatch

import (
	"encoding/json"
	"net/http"
	"strings"
)

// channelRoute is the only bucket route with a known per-field sublimit:
// renaming a channel or changing its topic is limited far below the
// route's own bucket.
const channelRoute = "/channels/:id"

// hasSublimit reports whether a request may be subject to the sublimit
// currently active on its bucket. body is the JSON request body, if any.
// Unknown routes are treated as sublimited so a sublimit never floods the
// remote API with 429s.
func hasSublimit(bucketRoute string, body []byte, method string) bool {
	if bucketRoute != channelRoute {
		return true
	}
	if len(body) == 0 || !strings.EqualFold(method, http.MethodPatch) {
		return false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return false
	}
	_, name := fields["name"]
	_, topic := fields["topic"]
	return name || topic
}
