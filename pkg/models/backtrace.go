package models

import (
	"encoding/json"
	"fmt"
)

// Domain identifies which resolver is responsible for a frame.
type Domain string

const (
	DomainNative Domain = "native"
	DomainJS     Domain = "js"
	DomainJava   Domain = "java"
)

// Frame is one entry in a thread's stack. Exactly one concrete variant exists
// per (domain, resolution state) pair; a resolver only ever replaces an
// unresolved frame of its own domain with the resolved counterpart. Frames of
// other domains, and frames already resolved, are never touched.
type Frame interface {
	Domain() Domain
	Resolved() bool
	frameType() frameType
}

// UnresolvedNativeFrame is a compiled-code address not yet mapped to source.
type UnresolvedNativeFrame struct {
	Address   uint64
	RawSymbol string
}

// ResolvedNativeFrame is a native frame mapped to a source location.
type ResolvedNativeFrame struct {
	File   string
	Line   int
	Symbol string
}

// UnresolvedJSFrame is a minified JavaScript location.
type UnresolvedJSFrame struct {
	AssetURL   string
	Line       int
	Column     int
	RawSymbol  string
	SourceText string
}

// ResolvedJSFrame is a JavaScript frame demapped to original source.
type ResolvedJSFrame struct {
	File   string
	Line   int
	Symbol string
}

// UnresolvedJavaFrame is an obfuscated Java/Android frame.
type UnresolvedJavaFrame struct {
	ObfuscatedFile      string
	Line                int
	ObfuscatedSignature string
	ObfuscatedClass     string
}

// ResolvedJavaFrame is a deobfuscated Java frame.
type ResolvedJavaFrame struct {
	File      string
	Line      int
	Signature string
}

func (UnresolvedNativeFrame) Domain() Domain { return DomainNative }
func (ResolvedNativeFrame) Domain() Domain   { return DomainNative }
func (UnresolvedJSFrame) Domain() Domain     { return DomainJS }
func (ResolvedJSFrame) Domain() Domain       { return DomainJS }
func (UnresolvedJavaFrame) Domain() Domain   { return DomainJava }
func (ResolvedJavaFrame) Domain() Domain     { return DomainJava }

func (UnresolvedNativeFrame) Resolved() bool { return false }
func (ResolvedNativeFrame) Resolved() bool   { return true }
func (UnresolvedJSFrame) Resolved() bool     { return false }
func (ResolvedJSFrame) Resolved() bool       { return true }
func (UnresolvedJavaFrame) Resolved() bool   { return false }
func (ResolvedJavaFrame) Resolved() bool     { return true }

// frameType is the JSON discriminator stored alongside each frame so that
// backtraces round-trip through JSONB columns.
type frameType string

const (
	typeUnresolvedNative frameType = "unresolved_native"
	typeResolvedNative   frameType = "native"
	typeUnresolvedJS     frameType = "unresolved_js"
	typeResolvedJS       frameType = "js"
	typeUnresolvedJava   frameType = "unresolved_java"
	typeResolvedJava     frameType = "java"
)

func (UnresolvedNativeFrame) frameType() frameType { return typeUnresolvedNative }
func (ResolvedNativeFrame) frameType() frameType   { return typeResolvedNative }
func (UnresolvedJSFrame) frameType() frameType     { return typeUnresolvedJS }
func (ResolvedJSFrame) frameType() frameType       { return typeResolvedJS }
func (UnresolvedJavaFrame) frameType() frameType   { return typeUnresolvedJava }
func (ResolvedJavaFrame) frameType() frameType     { return typeResolvedJava }

// frameWire is the flat JSON representation shared by all variants. Only the
// fields belonging to the tagged type are populated.
type frameWire struct {
	Type                frameType `json:"type"`
	Address             uint64    `json:"address,omitempty"`
	RawSymbol           string    `json:"raw_symbol,omitempty"`
	File                string    `json:"file,omitempty"`
	Line                int       `json:"line,omitempty"`
	Symbol              string    `json:"symbol,omitempty"`
	AssetURL            string    `json:"asset_url,omitempty"`
	Column              int       `json:"column,omitempty"`
	SourceText          string    `json:"source_text,omitempty"`
	ObfuscatedFile      string    `json:"obfuscated_file,omitempty"`
	ObfuscatedSignature string    `json:"obfuscated_signature,omitempty"`
	ObfuscatedClass     string    `json:"obfuscated_class,omitempty"`
	Signature           string    `json:"signature,omitempty"`
}

// Frames is an ordered frame sequence with polymorphic JSON encoding.
type Frames []Frame

func (fs Frames) MarshalJSON() ([]byte, error) {
	wires := make([]frameWire, 0, len(fs))
	for _, f := range fs {
		w := frameWire{Type: f.frameType()}
		switch fr := f.(type) {
		case UnresolvedNativeFrame:
			w.Address = fr.Address
			w.RawSymbol = fr.RawSymbol
		case ResolvedNativeFrame:
			w.File = fr.File
			w.Line = fr.Line
			w.Symbol = fr.Symbol
		case UnresolvedJSFrame:
			w.AssetURL = fr.AssetURL
			w.Line = fr.Line
			w.Column = fr.Column
			w.RawSymbol = fr.RawSymbol
			w.SourceText = fr.SourceText
		case ResolvedJSFrame:
			w.File = fr.File
			w.Line = fr.Line
			w.Symbol = fr.Symbol
		case UnresolvedJavaFrame:
			w.ObfuscatedFile = fr.ObfuscatedFile
			w.Line = fr.Line
			w.ObfuscatedSignature = fr.ObfuscatedSignature
			w.ObfuscatedClass = fr.ObfuscatedClass
		case ResolvedJavaFrame:
			w.File = fr.File
			w.Line = fr.Line
			w.Signature = fr.Signature
		default:
			return nil, fmt.Errorf("unknown frame type %T", f)
		}
		wires = append(wires, w)
	}
	return json.Marshal(wires)
}

func (fs *Frames) UnmarshalJSON(data []byte) error {
	var wires []frameWire
	if err := json.Unmarshal(data, &wires); err != nil {
		return err
	}
	frames := make(Frames, 0, len(wires))
	for _, w := range wires {
		switch w.Type {
		case typeUnresolvedNative:
			frames = append(frames, UnresolvedNativeFrame{Address: w.Address, RawSymbol: w.RawSymbol})
		case typeResolvedNative:
			frames = append(frames, ResolvedNativeFrame{File: w.File, Line: w.Line, Symbol: w.Symbol})
		case typeUnresolvedJS:
			frames = append(frames, UnresolvedJSFrame{
				AssetURL: w.AssetURL, Line: w.Line, Column: w.Column,
				RawSymbol: w.RawSymbol, SourceText: w.SourceText,
			})
		case typeResolvedJS:
			frames = append(frames, ResolvedJSFrame{File: w.File, Line: w.Line, Symbol: w.Symbol})
		case typeUnresolvedJava:
			frames = append(frames, UnresolvedJavaFrame{
				ObfuscatedFile: w.ObfuscatedFile, Line: w.Line,
				ObfuscatedSignature: w.ObfuscatedSignature, ObfuscatedClass: w.ObfuscatedClass,
			})
		case typeResolvedJava:
			frames = append(frames, ResolvedJavaFrame{File: w.File, Line: w.Line, Signature: w.Signature})
		default:
			return fmt.Errorf("unknown frame type %q", w.Type)
		}
	}
	*fs = frames
	return nil
}

// Thread is one thread of execution within a backtrace. At most one thread
// per occurrence is faulted.
type Thread struct {
	Name    string `json:"name"`
	Faulted bool   `json:"faulted"`
	Frames  Frames `json:"frames"`
}

// Backtrace is the ordered set of threads captured for one occurrence.
type Backtrace []Thread

// FaultedFrames returns the frames of the faulted thread, or an empty
// sequence when no thread is faulted.
func (bt Backtrace) FaultedFrames() Frames {
	for _, th := range bt {
		if th.Faulted {
			return th.Frames
		}
	}
	return Frames{}
}

// Symbolicated reports whether every native frame across all threads is
// resolved. Frames of other domains do not affect the result.
func (bt Backtrace) Symbolicated() bool { return bt.resolvedFor(DomainNative) }

// SourceMapped reports whether every JavaScript frame is resolved.
func (bt Backtrace) SourceMapped() bool { return bt.resolvedFor(DomainJS) }

// Deobfuscated reports whether every Java frame is resolved.
func (bt Backtrace) Deobfuscated() bool { return bt.resolvedFor(DomainJava) }

func (bt Backtrace) resolvedFor(d Domain) bool {
	for _, th := range bt {
		for _, f := range th.Frames {
			if f.Domain() == d && !f.Resolved() {
				return false
			}
		}
	}
	return true
}
