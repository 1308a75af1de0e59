package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/perfectstorm-io/storm/internal/query"
	"github.com/perfectstorm-io/storm/internal/store"
)

const defaultPageSize = 100

// listOptions reads the ?q= filter and pagination parameters. A malformed or
// unparseable q writes the 400 response and returns false.
func listOptions(w http.ResponseWriter, r *http.Request, resolver query.Resolver) (store.ListOptions, bool) {
	opts := store.ListOptions{Limit: defaultPageSize}

	if raw := r.URL.Query().Get("q"); raw != "" {
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			BadQuery(w, "invalid JSON: "+err.Error())
			return opts, false
		}
		q, err := query.Parse(doc, resolver)
		if err != nil {
			var perr *query.ParseError
			if errors.As(err, &perr) {
				BadQuery(w, perr.Reason)
			} else {
				BadQuery(w, err.Error())
			}
			return opts, false
		}
		opts.Query = q
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	return opts, true
}
