package httpapi

import (
	"net/http"
	"net/url"
	"strings"
)

type storageRequest struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Value  string `json:"value"`
	Origin string `json:"origin"`
}

// checkOrigin compares req.Origin (if set) against the attached
// target's current origin, case-insensitively on scheme+host (spec
// e2e scenario 6: a mismatched origin fails closed with
// origin_mismatch rather than silently operating on the wrong page).
func (s *Server) checkOrigin(req storageRequest) error {
	if req.Origin == "" {
		return nil
	}
	pageURL, _, ok := s.cfg.Manager.TargetInfo()
	if !ok {
		return newAPIError(ErrDisconnected, "no attached target to check origin against")
	}
	want, err := url.Parse(req.Origin)
	if err != nil {
		return newAPIError(ErrInvalidBody, "invalid origin %q: %v", req.Origin, err)
	}
	got, err := url.Parse(pageURL)
	if err != nil {
		return newAPIError(ErrCDPError, "parse current page url %q: %v", pageURL, err)
	}
	if !strings.EqualFold(want.Scheme, got.Scheme) || !strings.EqualFold(want.Host, got.Host) {
		return newAPIError(ErrOriginMismatch, "origin %q does not match current page origin %q://%q", req.Origin, got.Scheme, got.Host)
	}
	return nil
}

func (s *Server) handleStorageLocal(w http.ResponseWriter, r *http.Request) {
	var req storageRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.checkOrigin(req); err != nil {
		writeAPIError(w, err)
		return
	}

	switch req.Action {
	case "get":
		var value *string
		expr := `window.localStorage.getItem(` + jsStringLiteral(req.Key) + `)`
		if err := s.evalJSON(r, expr, &value); err != nil {
			writeAPIError(w, err)
			return
		}
		writeOK(w, map[string]any{"value": value})

	case "set":
		expr := `(function(){ window.localStorage.setItem(` + jsStringLiteral(req.Key) + `, ` + jsStringLiteral(req.Value) + `); return true; })()`
		if err := s.evalJSON(r, expr, nil); err != nil {
			writeAPIError(w, err)
			return
		}
		writeOK(w, nil)

	case "remove":
		expr := `(function(){ window.localStorage.removeItem(` + jsStringLiteral(req.Key) + `); return true; })()`
		if err := s.evalJSON(r, expr, nil); err != nil {
			writeAPIError(w, err)
			return
		}
		writeOK(w, nil)

	case "list":
		var keys []string
		expr := `Object.keys(window.localStorage)`
		if err := s.evalJSON(r, expr, &keys); err != nil {
			writeAPIError(w, err)
			return
		}
		writeOK(w, map[string]any{"keys": keys})

	case "clear":
		expr := `(function(){ window.localStorage.clear(); return true; })()`
		if err := s.evalJSON(r, expr, nil); err != nil {
			writeAPIError(w, err)
			return
		}
		writeOK(w, nil)

	default:
		writeAPIError(w, newAPIError(ErrInvalidBody, "unknown storage action %q", req.Action))
	}
}
