package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/vilaca/gitlabfleet/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeErr maps any error through apperr's Kind -> HTTP status table and
// writes its Wire form, the single place every handler funnels errors
// through so the mapping in apperr stays the sole source of truth.
func writeErr(w http.ResponseWriter, err error) {
	status, wire := apperr.HTTP(err)
	writeJSON(w, status, struct {
		Error apperr.Wire `json:"error"`
	}{Error: wire})
}

// decodeAndValidate reads the request body into dst and runs struct
// validation tags, the JSON-decode-then-validate stage of the gateway's
// request pipeline. A handler calls this itself rather than via middleware
// because dst's type is route-specific.
func (g *Gateway) decodeAndValidate(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.ValidationErrf("malformed request body: %v", err)
	}
	if err := g.validate.Struct(dst); err != nil {
		return apperr.ValidationErrf("%v", err)
	}
	return nil
}
