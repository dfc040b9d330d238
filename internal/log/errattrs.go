package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// hasPC is an error that recorded the position it was wrapped at.
type hasPC interface{ PC() uintptr }

// hasStack is an error that captured the stack it was created on.
type hasStack interface{ StackPCs() []uintptr }

// errLink is one step of an error chain with the position it entered it.
type errLink struct {
	Msg  string `json:"msg"`
	Func string `json:"func,omitempty"`
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

// errorAttrs are the fields attached to every Error record. maxLinks 0 leaves
// out error_links.
func errorAttrs(err error, maxLinks int) []any {
	surface, root := classifyTypes(err)
	kv := []any{"err", err, "error_type", surface, "cause_type", root}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if maxLinks > 0 {
		kv = append(kv, "error_links", chainLinks(err, maxLinks))
	}
	return kv
}

// errorChain lists the distinct messages down the Unwrap chain, then the
// members of a top level errors.Join.
func errorChain(err error) []string {
	out := []string{}
	add := func(s string) {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// chainLinks keeps the outermost error and every wrap that knows its position,
// up to max entries. max <= 0 means no bound.
func chainLinks(err error, max int) []errLink {
	var links []errLink
	for i, e := 0, err; e != nil && (max <= 0 || i < max); i, e = i+1, errors.Unwrap(e) {
		l := errLink{Msg: e.Error()}
		var ok bool
		switch x := e.(type) {
		case hasPC:
			l.Func, l.File, l.Line, ok = frameFromPC(x.PC())
		case hasStack:
			l.Func, l.File, l.Line, ok = firstExtFrame(x.StackPCs())
		}
		if ok || i == 0 {
			links = append(links, l)
		}
	}
	return links
}

// classifyTypes returns the first type in the chain that is not a plain
// wrapper, and the type of the innermost error.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if surface == "" && !isWrapper(e) {
			surface = fmt.Sprintf("%T", e)
		}
		root = fmt.Sprintf("%T", e)
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, root
}

func isWrapper(e error) bool {
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return strings.HasSuffix(t.PkgPath(), "/internal/xerrors") ||
		(t.PkgPath() == "fmt" && t.Name() == "wrapError")
}

// ownFrame reports logging plumbing frames, and xerrors frames when asked.
func ownFrame(fn string, withXerrors bool) bool {
	if strings.HasPrefix(fn, "log/slog.") {
		return true
	}
	if _, name, ok := strings.Cut(fn, "/internal/log."); ok {
		for _, p := range []string{"(*slogLogger).", "enrichHandler.", "recordStack"} {
			if strings.HasPrefix(name, p) {
				return true
			}
		}
	}
	return withXerrors && strings.Contains(fn, "/internal/xerrors.")
}

// renderPCs writes func and file:line per frame, from the first frame outside
// the logger down to, not including, the runtime.
func renderPCs(pcs []uintptr) string {
	var b strings.Builder
	started := false
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if fr.Function == "" || strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		started = started || !ownFrame(fr.Function, false)
		if started {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

func frameFromPC(pc uintptr) (fn, file string, line int, ok bool) {
	if pc == 0 {
		return "", "", 0, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr.Function, fr.File, fr.Line, true
}

// firstExtFrame is the first frame of a captured stack outside logging,
// xerrors and the runtime.
func firstExtFrame(pcs []uintptr) (fn, file string, line int, ok bool) {
	frames := runtime.CallersFrames(pcs)
	for len(pcs) > 0 {
		fr, more := frames.Next()
		if fr.Function != "" && !strings.HasPrefix(fr.Function, "runtime.") && !ownFrame(fr.Function, true) {
			return fr.Function, fr.File, fr.Line, true
		}
		if !more {
			break
		}
	}
	return "", "", 0, false
}
