package gate

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/TecharoHQ/challengegate"
)

// maxTokenBody bounds how much of a request body is buffered to look for a
// token field.
const maxTokenBody = 1 << 20

// TokenFromRequest returns the challenge token a request carries, looking at
// the token headers, the query string, then form and JSON bodies. The body is
// restored so the request can still be proxied.
func TokenFromRequest(r *http.Request) string {
	for _, h := range []string{challengegate.TokenHeader, challengegate.AltTokenHeader} {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}

	if v := r.URL.Query().Get(challengegate.TokenField); v != "" {
		return v
	}

	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "application/json":
	default:
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxTokenBody+1))
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
	if err != nil || len(body) > maxTokenBody {
		return ""
	}

	switch mediaType {
	case "application/x-www-form-urlencoded":
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return ""
		}
		return vals.Get(challengegate.TokenField)
	default:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return ""
		}

		var token string
		if err := json.Unmarshal(fields[challengegate.TokenField], &token); err != nil {
			return ""
		}
		return token
	}
}
