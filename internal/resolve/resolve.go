package resolve

import (
	"github.com/faultline-io/faultline/pkg/models"
)

// Symbolicate maps every unresolved native frame whose address falls inside a
// table range to its resolved counterpart. Frames outside every range, frames
// of other domains and already-resolved frames pass through untouched. The
// input backtrace is never mutated; changed reports whether any frame moved.
func Symbolicate(bt models.Backtrace, table *Symbolication) (models.Backtrace, bool) {
	return mapFrames(bt, func(f models.Frame) (models.Frame, bool) {
		nf, ok := f.(models.UnresolvedNativeFrame)
		if !ok {
			return f, false
		}
		loc, ok := table.Lookup(nf.Address)
		if !ok {
			return f, false
		}
		return models.ResolvedNativeFrame{File: loc.File, Line: loc.Line, Symbol: loc.Symbol}, true
	})
}

// Demap resolves every unresolved JavaScript frame whose exact
// (asset, line, column) triple appears in the source map.
func Demap(bt models.Backtrace, table *SourceMap) (models.Backtrace, bool) {
	return mapFrames(bt, func(f models.Frame) (models.Frame, bool) {
		jf, ok := f.(models.UnresolvedJSFrame)
		if !ok {
			return f, false
		}
		loc, ok := table.Lookup(jf.AssetURL, jf.Line, jf.Column)
		if !ok {
			return f, false
		}
		return models.ResolvedJSFrame{File: loc.File, Line: loc.Line, Symbol: loc.Symbol}, true
	})
}

// Deobfuscate resolves every unresolved Java frame whose package, class and
// method aliases all compose. A frame whose class resolves but whose method
// signature does not is left entirely untouched.
func Deobfuscate(bt models.Backtrace, table *ObfuscationMap) (models.Backtrace, bool) {
	return mapFrames(bt, func(f models.Frame) (models.Frame, bool) {
		jf, ok := f.(models.UnresolvedJavaFrame)
		if !ok {
			return f, false
		}
		path, sig, ok := table.Lookup(jf.ObfuscatedClass, jf.ObfuscatedSignature)
		if !ok {
			return f, false
		}
		return models.ResolvedJavaFrame{File: path, Line: jf.Line, Signature: sig}, true
	})
}

// mapFrames applies fn to every frame, building a fresh backtrace. Thread
// order, frame order and untouched frames are preserved exactly.
func mapFrames(bt models.Backtrace, fn func(models.Frame) (models.Frame, bool)) (models.Backtrace, bool) {
	out := make(models.Backtrace, len(bt))
	changed := false
	for i, th := range bt {
		frames := make(models.Frames, len(th.Frames))
		for j, f := range th.Frames {
			nf, replaced := fn(f)
			frames[j] = nf
			changed = changed || replaced
		}
		out[i] = models.Thread{Name: th.Name, Faulted: th.Faulted, Frames: frames}
	}
	return out, changed
}
