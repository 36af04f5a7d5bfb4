package httpapi

import (
	"encoding/json"
	"net/http"
)

type selectorRequest struct {
	Selector string `json:"selector"`
}

// elementCenter evaluates the bounding-box center of the first element
// matching selector, in viewport coordinates, for Input.dispatch*Event.
func (s *Server) elementCenter(r *http.Request, selector string) (x, y float64, err error) {
	expr := `(function(){
		var el = document.querySelector(` + jsStringLiteral(selector) + `);
		if (!el) return null;
		var r = el.getBoundingClientRect();
		return {x: r.left + r.width / 2, y: r.top + r.height / 2};
	})()`
	var point *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := s.evalJSON(r, expr, &point); err != nil {
		return 0, 0, err
	}
	if point == nil {
		return 0, 0, newAPIError(ErrNotAvailable, "no element matches %q", selector)
	}
	return point.X, point.Y, nil
}

func (s *Server) handleDOMInfo(w http.ResponseWriter, r *http.Request) {
	var req selectorRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	expr := `(function(){
		var el = document.querySelector(` + jsStringLiteral(req.Selector) + `);
		if (!el) return null;
		var r = el.getBoundingClientRect();
		var attrs = {};
		for (var i = 0; i < el.attributes.length; i++) {
			attrs[el.attributes[i].name] = el.attributes[i].value;
		}
		return {
			tagName: el.tagName.toLowerCase(),
			text: el.textContent,
			value: el.value,
			attributes: attrs,
			rect: {x: r.left, y: r.top, width: r.width, height: r.height},
			visible: r.width > 0 && r.height > 0,
		};
	})()`
	var info json.RawMessage
	if err := s.evalJSON(r, expr, &info); err != nil {
		writeAPIError(w, err)
		return
	}
	if string(info) == "null" {
		writeAPIError(w, newAPIError(ErrNotAvailable, "no element matches %q", req.Selector))
		return
	}
	writeOK(w, map[string]any{"element": info})
}

func (s *Server) handleDOMClick(w http.ResponseWriter, r *http.Request) {
	var req selectorRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	x, y, err := s.elementCenter(r, req.Selector)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	for _, evType := range []string{"mousePressed", "mouseReleased"} {
		_, sendErr := s.cfg.Manager.Send(r.Context(), "Input.dispatchMouseEvent", map[string]any{
			"type":       evType,
			"x":          x,
			"y":          y,
			"button":     "left",
			"clickCount": 1,
		})
		if sendErr != nil {
			writeAPIError(w, translateCDPErr(sendErr))
			return
		}
	}
	writeOK(w, nil)
}

func (s *Server) handleDOMHover(w http.ResponseWriter, r *http.Request) {
	var req selectorRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	x, y, err := s.elementCenter(r, req.Selector)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	_, sendErr := s.cfg.Manager.Send(r.Context(), "Input.dispatchMouseEvent", map[string]any{
		"type": "mouseMoved",
		"x":    x,
		"y":    y,
	})
	if sendErr != nil {
		writeAPIError(w, translateCDPErr(sendErr))
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleDOMFocus(w http.ResponseWriter, r *http.Request) {
	var req selectorRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	expr := `(function(){
		var el = document.querySelector(` + jsStringLiteral(req.Selector) + `);
		if (!el) return false;
		el.focus();
		return true;
	})()`
	var focused bool
	if err := s.evalJSON(r, expr, &focused); err != nil {
		writeAPIError(w, err)
		return
	}
	if !focused {
		writeAPIError(w, newAPIError(ErrNotAvailable, "no element matches %q", req.Selector))
		return
	}
	writeOK(w, nil)
}

type fillRequest struct {
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

func (s *Server) handleDOMFill(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	expr := `(function(){
		var el = document.querySelector(` + jsStringLiteral(req.Selector) + `);
		if (!el) return false;
		el.focus();
		el.value = ` + jsStringLiteral(req.Value) + `;
		el.dispatchEvent(new Event('input', {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	})()`
	var filled bool
	if err := s.evalJSON(r, expr, &filled); err != nil {
		writeAPIError(w, err)
		return
	}
	if !filled {
		writeAPIError(w, newAPIError(ErrNotAvailable, "no element matches %q", req.Selector))
		return
	}
	writeOK(w, nil)
}

type setFileRequest struct {
	Selector string   `json:"selector"`
	Files    []string `json:"files"`
}

func (s *Server) handleDOMSetFile(w http.ResponseWriter, r *http.Request) {
	var req setFileRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	nodeID, err := s.resolveNodeID(r, req.Selector)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	_, sendErr := s.cfg.Manager.Send(r.Context(), "DOM.setFileInputFiles", map[string]any{
		"files":  req.Files,
		"nodeId": nodeID,
	})
	if sendErr != nil {
		writeAPIError(w, translateCDPErr(sendErr))
		return
	}
	writeOK(w, nil)
}

type treeRequest struct {
	Selector string `json:"selector"`
	Depth    int    `json:"depth"`
}

func (s *Server) handleDOMTree(w http.ResponseWriter, r *http.Request) {
	var req treeRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	depth := req.Depth
	if depth == 0 {
		depth = -1
	}

	if req.Selector == "" {
		raw, err := s.cfg.Manager.Send(r.Context(), "DOM.getDocument", map[string]any{"depth": depth, "pierce": true})
		if err != nil {
			writeAPIError(w, translateCDPErr(err))
			return
		}
		var doc struct {
			Root json.RawMessage `json:"root"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			writeAPIError(w, newAPIError(ErrCDPError, "decode DOM.getDocument: %v", err))
			return
		}
		writeOK(w, map[string]any{"node": doc.Root})
		return
	}

	nodeID, err := s.resolveNodeID(r, req.Selector)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	raw, err := s.cfg.Manager.Send(r.Context(), "DOM.describeNode", map[string]any{"nodeId": nodeID, "depth": depth, "pierce": true})
	if err != nil {
		writeAPIError(w, translateCDPErr(err))
		return
	}
	var desc struct {
		Node json.RawMessage `json:"node"`
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		writeAPIError(w, newAPIError(ErrCDPError, "decode DOM.describeNode: %v", err))
		return
	}
	writeOK(w, map[string]any{"node": desc.Node})
}

// resolveNodeID resolves selector against the current document into a
// DOM.* node id, used by operations the evaluate-JS shortcut
// can't serve (setFileInputFiles takes a node id, not a value).
func (s *Server) resolveNodeID(r *http.Request, selector string) (int64, error) {
	raw, err := s.cfg.Manager.Send(r.Context(), "DOM.getDocument", map[string]any{"depth": 0})
	if err != nil {
		return 0, translateCDPErr(err)
	}
	var doc struct {
		Root struct {
			NodeID int64 `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, newAPIError(ErrCDPError, "decode DOM.getDocument: %v", err)
	}

	raw, err = s.cfg.Manager.Send(r.Context(), "DOM.querySelector", map[string]any{
		"nodeId":   doc.Root.NodeID,
		"selector": selector,
	})
	if err != nil {
		return 0, translateCDPErr(err)
	}
	var qs struct {
		NodeID int64 `json:"nodeId"`
	}
	if err := json.Unmarshal(raw, &qs); err != nil {
		return 0, newAPIError(ErrCDPError, "decode DOM.querySelector: %v", err)
	}
	if qs.NodeID == 0 {
		return 0, newAPIError(ErrNotAvailable, "no element matches %q", selector)
	}
	return qs.NodeID, nil
}
