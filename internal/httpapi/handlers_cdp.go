package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vforsh/argus/internal/logging"
)

// evalRequest is the body of POST /eval.
type evalRequest struct {
	Expression   string `json:"expression"`
	AwaitPromise bool   `json:"awaitPromise"`
	TimeoutMs    int    `json:"timeoutMs"`
}

type runtimeEvaluateResult struct {
	Result struct {
		Type        string          `json:"type"`
		Value       json.RawMessage `json:"value"`
		Description string          `json:"description"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception *struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	var req evalRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.Expression == "" {
		writeAPIError(w, newAPIError(ErrInvalidBody, "expression is required"))
		return
	}

	raw, err := s.cfg.Manager.Send(r.Context(), "Runtime.evaluate", map[string]any{
		"expression":    req.Expression,
		"returnByValue": true,
		"awaitPromise":  req.AwaitPromise,
	})
	if err != nil {
		writeAPIError(w, translateCDPErr(err))
		return
	}

	var result runtimeEvaluateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		writeAPIError(w, newAPIError(ErrCDPError, "decode Runtime.evaluate result: %v", err))
		return
	}
	if result.ExceptionDetails != nil {
		msg := result.ExceptionDetails.Text
		if result.ExceptionDetails.Exception != nil && result.ExceptionDetails.Exception.Description != "" {
			msg = result.ExceptionDetails.Exception.Description
		}
		writeAPIError(w, newAPIError(ErrCDPError, "%s", msg))
		return
	}

	writeOK(w, map[string]any{
		"type":        result.Result.Type,
		"value":       json.RawMessage(result.Result.Value),
		"description": result.Result.Description,
	})
}

type screenshotRequest struct {
	Format   string `json:"format"`
	FullPage bool   `json:"fullPage"`
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	var req screenshotRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.Format == "" {
		req.Format = "png"
	}

	params := map[string]any{"format": req.Format}
	if req.FullPage {
		params["captureBeyondViewport"] = true
	}

	raw, err := s.cfg.Manager.Send(r.Context(), "Page.captureScreenshot", params)
	if err != nil {
		writeAPIError(w, translateCDPErr(err))
		return
	}

	var resp struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		writeAPIError(w, newAPIError(ErrCDPError, "decode Page.captureScreenshot result: %v", err))
		return
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		writeAPIError(w, newAPIError(ErrCDPError, "decode screenshot data: %v", err))
		return
	}

	path, err := s.cfg.Artifacts.WriteScreenshot(data, time.Now())
	if err != nil {
		writeAPIError(w, newAPIError(ErrIO, "%v", err))
		return
	}
	writeOK(w, map[string]any{"path": path})
}

type traceStartRequest struct {
	Categories []string `json:"categories"`
}

func (s *Server) handleTraceStart(w http.ResponseWriter, r *http.Request) {
	var req traceStartRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}

	s.traceMu.Lock()
	if s.trace != nil {
		s.traceMu.Unlock()
		writeAPIError(w, newAPIError(ErrNotAvailable, "a trace is already running"))
		return
	}
	id := newTraceID()
	ts := &traceState{id: id, startedAt: time.Now(), done: make(chan struct{})}
	s.trace = ts
	s.traceMu.Unlock()

	categories := "-*,devtools.timeline,disabled-by-default-devtools.timeline"
	if len(req.Categories) > 0 {
		categories = joinComma(req.Categories)
	}

	_, err := s.cfg.Manager.Send(r.Context(), "Tracing.start", map[string]any{
		"categories":   categories,
		"transferMode": "ReportEvents",
	})
	if err != nil {
		s.traceMu.Lock()
		s.trace = nil
		s.traceMu.Unlock()
		writeAPIError(w, translateCDPErr(err))
		return
	}

	writeOK(w, map[string]any{"traceId": id})
}

func (s *Server) handleTraceStop(w http.ResponseWriter, r *http.Request) {
	s.traceMu.Lock()
	ts := s.trace
	s.traceMu.Unlock()
	if ts == nil {
		writeAPIError(w, newAPIError(ErrNotAvailable, "no trace is running"))
		return
	}

	if _, err := s.cfg.Manager.Send(r.Context(), "Tracing.end", nil); err != nil {
		writeAPIError(w, translateCDPErr(err))
		return
	}

	select {
	case <-ts.done:
	case <-time.After(5 * time.Second):
		logging.FromContext(r.Context()).Warn("httpapi: trace did not complete before timeout", "traceId", ts.id)
	case <-r.Context().Done():
	}

	s.traceMu.Lock()
	chunks := ts.chunks
	s.trace = nil
	s.traceMu.Unlock()

	data, err := json.Marshal(chunks)
	if err != nil {
		writeAPIError(w, newAPIError(ErrInternal, "marshal trace events: %v", err))
		return
	}
	path, err := s.cfg.Artifacts.WriteTrace(ts.id, data)
	if err != nil {
		writeAPIError(w, newAPIError(ErrIO, "%v", err))
		return
	}
	writeOK(w, map[string]any{"traceId": ts.id, "path": path, "events": len(chunks)})
}

func joinComma(vs []string) string {
	out := ""
	for i, v := range vs {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

// jsStringLiteral renders s as a double-quoted JS/JSON string literal
// safe to splice into an evaluated expression.
func jsStringLiteral(s string) string {
	encoded, _ := json.Marshal(s)
	return string(encoded)
}

func (s *Server) evalJSON(r *http.Request, expression string, out any) error {
	raw, err := s.cfg.Manager.Send(r.Context(), "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  false,
	})
	if err != nil {
		return translateCDPErr(err)
	}
	var result runtimeEvaluateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return newAPIError(ErrCDPError, "decode Runtime.evaluate result: %v", err)
	}
	if result.ExceptionDetails != nil {
		msg := result.ExceptionDetails.Text
		if result.ExceptionDetails.Exception != nil && result.ExceptionDetails.Exception.Description != "" {
			msg = result.ExceptionDetails.Exception.Description
		}
		return newAPIError(ErrCDPError, "%s", msg)
	}
	if out == nil || len(result.Result.Value) == 0 {
		return nil
	}
	return json.Unmarshal(result.Result.Value, out)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IgnoreCache bool `json:"ignoreCache"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	_, err := s.cfg.Manager.Send(r.Context(), "Page.reload", map[string]any{"ignoreCache": req.IgnoreCache})
	if err != nil {
		writeAPIError(w, translateCDPErr(err))
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"message": "shutting down"})
	if s.cfg.Shutdown != nil {
		go s.cfg.Shutdown()
	}
}
