// Package demux binds CDP events delivered by internal/cdp to the log
// and network ring buffers, mapping each CDP event shape into Argus's
// own entry types.
package demux

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/vforsh/argus/internal/cdp"
	"github.com/vforsh/argus/internal/logbuf"
	"github.com/vforsh/argus/internal/logging"
	"github.com/vforsh/argus/internal/netbuf"
)

// Demultiplexer subscribes to the CDP domains the watcher cares about
// and routes each event to the appropriate buffer.
type Demultiplexer struct {
	logs *logbuf.Buffer
	net  *netbuf.Buffer
	log  logging.Logger
	mgr  *cdp.Manager

	pageURL string
}

// New creates a Demultiplexer writing into logs and net.
func New(logs *logbuf.Buffer, net *netbuf.Buffer, logger logging.Logger) *Demultiplexer {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Demultiplexer{logs: logs, net: net, log: logger}
}

// Attach subscribes to every relevant CDP event on mgr. Safe to call
// once per Demultiplexer lifetime; subscriptions persist across
// reconnects because Manager.Subscribe itself is reconnect-durable.
func (d *Demultiplexer) Attach(ctx context.Context, mgr *cdp.Manager) {
	d.mgr = mgr
	go d.consume(ctx, mgr.Subscribe("Runtime.consoleAPICalled"), d.onConsoleAPICalled)
	go d.consume(ctx, mgr.Subscribe("Runtime.exceptionThrown"), d.onExceptionThrown)
	go d.consume(ctx, mgr.Subscribe("Log.entryAdded"), d.onLogEntryAdded)
	go d.consume(ctx, mgr.Subscribe("Network.requestWillBeSent"), d.onRequestWillBeSent)
	go d.consume(ctx, mgr.Subscribe("Network.responseReceived"), d.onResponseReceived)
	go d.consume(ctx, mgr.Subscribe("Network.loadingFinished"), d.onLoadingFinished)
	go d.consume(ctx, mgr.Subscribe("Network.loadingFailed"), d.onLoadingFailed)
	go d.consume(ctx, mgr.Subscribe("Page.frameNavigated"), d.onFrameNavigated)
}

func (d *Demultiplexer) consume(ctx context.Context, ch <-chan cdp.Event, handle func(json.RawMessage)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			handle(ev.Params)
		}
	}
}

func (d *Demultiplexer) onConsoleAPICalled(params json.RawMessage) {
	var ev runtime.EventConsoleAPICalled
	if err := json.Unmarshal(params, &ev); err != nil {
		d.log.Warn("demux: decode consoleAPICalled", "error", err)
		return
	}

	level := mapConsoleType(ev.Type)
	if level == "" {
		return // table, profile, etc: ignored per spec
	}

	texts := make([]string, 0, len(ev.Args))
	for _, a := range ev.Args {
		texts = append(texts, stringifyArg(a))
	}

	entry := logbuf.Entry{
		TS:        int64(ev.Timestamp),
		Level:     level,
		Text:      strings.Join(texts, " "),
		Args:      texts,
		Source:    logbuf.SourceConsole,
		PageURL:   d.pageURL,
		PageTitle: d.currentTitle(),
	}
	d.logs.Append(entry)
}

func mapConsoleType(t runtime.APIType) logbuf.Level {
	switch t {
	case runtime.APITypeLog, runtime.APITypeAssert, runtime.APITypeDir:
		return logbuf.LevelLog
	case runtime.APITypeInfo:
		return logbuf.LevelInfo
	case runtime.APITypeWarning:
		return logbuf.LevelWarning
	case runtime.APITypeError:
		return logbuf.LevelError
	case runtime.APITypeDebug:
		return logbuf.LevelDebug
	default:
		return "" // table, profile, profileEnd, etc — ignored
	}
}

func stringifyArg(obj *runtime.RemoteObject) string {
	if obj == nil {
		return ""
	}
	if obj.Value != nil {
		var v any
		if err := json.Unmarshal(obj.Value, &v); err == nil {
			return fmt.Sprint(v)
		}
	}
	if obj.Description != "" {
		return obj.Description
	}
	return string(obj.Type)
}

func (d *Demultiplexer) onExceptionThrown(params json.RawMessage) {
	var ev runtime.EventExceptionThrown
	if err := json.Unmarshal(params, &ev); err != nil {
		d.log.Warn("demux: decode exceptionThrown", "error", err)
		return
	}

	text := ev.ExceptionDetails.Text
	if ev.ExceptionDetails.Exception != nil && ev.ExceptionDetails.Exception.Description != "" {
		text = ev.ExceptionDetails.Exception.Description
	}

	entry := logbuf.Entry{
		TS:        int64(ev.Timestamp),
		Level:     logbuf.LevelException,
		Text:      text,
		Source:    logbuf.SourceException,
		File:      ev.ExceptionDetails.URL,
		Line:      int(ev.ExceptionDetails.LineNumber),
		Column:    int(ev.ExceptionDetails.ColumnNumber),
		PageURL:   d.pageURL,
		PageTitle: d.currentTitle(),
	}
	d.logs.Append(entry)
}

func (d *Demultiplexer) onLogEntryAdded(params json.RawMessage) {
	var ev log.EventEntryAdded
	if err := json.Unmarshal(params, &ev); err != nil {
		d.log.Warn("demux: decode Log.entryAdded", "error", err)
		return
	}

	entry := logbuf.Entry{
		TS:        int64(ev.Entry.Timestamp),
		Level:     logbuf.Level(ev.Entry.Level),
		Text:      ev.Entry.Text,
		Source:    logbuf.SourceSystem,
		File:      ev.Entry.URL,
		Line:      int(ev.Entry.LineNumber),
		PageURL:   d.pageURL,
		PageTitle: d.currentTitle(),
	}
	d.logs.Append(entry)
}

func (d *Demultiplexer) onFrameNavigated(params json.RawMessage) {
	var ev page.EventFrameNavigated
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	if ev.Frame == nil || ev.Frame.ParentID != "" {
		return // only the main frame updates the cached page identity
	}
	d.pageURL = ev.Frame.URL
}

// currentTitle reports the attached target's live document title.
// Frame objects carry no title field (Frame.Name is the HTML
// name/window.name attribute, not the page title), so this reads
// cdp.Manager's Target.targetInfoChanged-tracked value instead.
func (d *Demultiplexer) currentTitle() string {
	if d.mgr == nil {
		return ""
	}
	_, title, _ := d.mgr.TargetInfo()
	return title
}

func (d *Demultiplexer) onRequestWillBeSent(params json.RawMessage) {
	var ev network.EventRequestWillBeSent
	if err := json.Unmarshal(params, &ev); err != nil {
		d.log.Warn("demux: decode requestWillBeSent", "error", err)
		return
	}
	d.net.RequestWillBeSent(string(ev.RequestID), ev.Request.URL, ev.Request.Method, string(ev.Type), ev.WallTime.Time())
}

func (d *Demultiplexer) onResponseReceived(params json.RawMessage) {
	var ev network.EventResponseReceived
	if err := json.Unmarshal(params, &ev); err != nil {
		d.log.Warn("demux: decode responseReceived", "error", err)
		return
	}
	d.net.ResponseReceived(string(ev.RequestID), int(ev.Response.Status), time.Now())
}

func (d *Demultiplexer) onLoadingFinished(params json.RawMessage) {
	var ev network.EventLoadingFinished
	if err := json.Unmarshal(params, &ev); err != nil {
		d.log.Warn("demux: decode loadingFinished", "error", err)
		return
	}
	d.net.LoadingFinished(string(ev.RequestID), int64(ev.EncodedDataLength), time.Now())
}

func (d *Demultiplexer) onLoadingFailed(params json.RawMessage) {
	var ev network.EventLoadingFailed
	if err := json.Unmarshal(params, &ev); err != nil {
		d.log.Warn("demux: decode loadingFailed", "error", err)
		return
	}
	d.net.LoadingFailed(string(ev.RequestID), ev.ErrorText, time.Now())
}
