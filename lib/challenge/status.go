package challenge

import (
	"encoding/json"
	"net/http"
	"reflect"
)

type statusCoder interface {
	StatusCode() int
}

// ExtractStatus pulls an HTTP status code out of an error or error-like
// value. Two shapes are understood:
//
//   - an error whose chain contains a link carrying a status, the same way a
//     plain value would; wrapped transport failures carry their cause so
//   - a plain value carrying the status itself: a StatusCode() method, an
//     *http.Response, a map with a numeric "status" key, or a struct with an
//     integer Status or StatusCode field
//
// It reports false when no status can be found. It never panics.
func ExtractStatus(v any) (status int, ok bool) {
	defer func() {
		if recover() != nil {
			status, ok = 0, false
		}
	}()

	if v == nil {
		return 0, false
	}

	if err, isErr := v.(error); isErr {
		return chainStatus(err)
	}

	return statusOf(v)
}

// chainStatus walks err depth first, including joined errors, and returns the
// status of the first link that has one.
func chainStatus(err error) (int, bool) {
	if err == nil {
		return 0, false
	}

	if status, ok := statusOf(err); ok {
		return status, true
	}

	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return chainStatus(u.Unwrap())
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if status, ok := chainStatus(e); ok {
				return status, true
			}
		}
	}

	return 0, false
}

// IsRateLimited reports whether err classifies as HTTP 429.
func IsRateLimited(err error) bool {
	status, ok := ExtractStatus(err)
	return ok && status == http.StatusTooManyRequests
}

func statusOf(v any) (int, bool) {
	switch v := v.(type) {
	case statusCoder:
		return v.StatusCode(), true
	case *http.Response:
		if v == nil {
			return 0, false
		}
		return v.StatusCode, true
	case map[string]any:
		return number(v["status"])
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return 0, false
		}
		rv = rv.Elem()
	}

	if rv.Kind() != reflect.Struct {
		return 0, false
	}

	for _, name := range []string{"Status", "StatusCode"} {
		f := rv.FieldByName(name)
		if !f.IsValid() || !f.CanInterface() {
			continue
		}

		if n, ok := number(f.Interface()); ok {
			return n, true
		}
	}

	return 0, false
}

func number(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
