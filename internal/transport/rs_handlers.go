package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/aap/model"
)

// RSDependencies collects the demo resource handlers that stand in for a
// real downstream tool surface, exercising the authorize middleware end to
// end.
type RSDependencies struct {
	Authorizer *Authorizer
}

// searchResolver resolves the demo search endpoint's action and target
// domain from its query string, so domain-allow/block constraints have
// something to enforce against.
func searchResolver(r *http.Request) (action, targetURL string) {
	return "search.web", r.URL.Query().Get("url")
}

// publishResolver resolves the demo publish endpoint's action; publish
// targets a fixed internal system, not an arbitrary URL.
func publishResolver(r *http.Request) (action, targetURL string) {
	return "cms.publish", ""
}

type searchResult struct {
	Query   string   `json:"query"`
	Results []string `json:"results"`
}

// HandleSearch implements the demo GET /demo/search endpoint, protected by
// the search.web capability.
func (d RSDependencies) HandleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	WriteJSON(w, http.StatusOK, searchResult{
		Query:   query,
		Results: []string{"demo result for " + query},
	})
}

type publishRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type publishResult struct {
	Status string `json:"status"`
	Title  string `json:"title"`
}

// HandlePublish implements the demo POST /demo/publish endpoint, protected
// by the cms.publish capability (typically oversight-gated in policy).
func (d RSDependencies) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, model.NewInvalidRequestError("malformed JSON body"))
		return
	}
	WriteJSON(w, http.StatusOK, publishResult{Status: "published", Title: req.Title})
}
