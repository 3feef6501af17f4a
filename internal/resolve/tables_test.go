package resolve

import (
	"testing"

	"github.com/google/uuid"
)

// --- Symbolication construction ---

func TestNewSymbolication_RejectsOverlap(t *testing.T) {
	tests := []struct {
		name   string
		ranges []AddrRange
		wantOK bool
	}{
		{
			name: "disjoint ranges",
			ranges: []AddrRange{
				{Start: 1, End: 10},
				{Start: 11, End: 20},
			},
			wantOK: true,
		},
		{
			name: "adjacent half-open ranges touch but do not overlap",
			ranges: []AddrRange{
				{Start: 1, End: 10},
				{Start: 10, End: 20},
			},
			wantOK: true,
		},
		{
			name: "overlapping ranges",
			ranges: []AddrRange{
				{Start: 1, End: 12},
				{Start: 11, End: 20},
			},
			wantOK: false,
		},
		{
			name:   "inverted range",
			ranges: []AddrRange{{Start: 10, End: 10}},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSymbolication(uuid.New(), tt.ranges)
			if (err == nil) != tt.wantOK {
				t.Errorf("NewSymbolication() error = %v, wantOK %v", err, tt.wantOK)
			}
		})
	}
}

func TestSymbolicationLookup_HalfOpenBoundaries(t *testing.T) {
	s, err := NewSymbolication(uuid.New(), []AddrRange{
		{Start: 1, End: 10, Location: Location{File: "foo.rb", Line: 15, Symbol: "bar"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Lookup(0); ok {
		t.Error("address below range must miss")
	}
	if loc, ok := s.Lookup(1); !ok || loc.Symbol != "bar" {
		t.Errorf("start boundary is inclusive, got (%+v, %v)", loc, ok)
	}
	if loc, ok := s.Lookup(9); !ok || loc.Symbol != "bar" {
		t.Errorf("last contained address must hit, got (%+v, %v)", loc, ok)
	}
	if _, ok := s.Lookup(10); ok {
		t.Error("end boundary is exclusive")
	}
}

// --- SourceMap construction ---

func TestNewSourceMap_RejectsConflictingDuplicates(t *testing.T) {
	dup := []Mapping{
		{AssetURL: "a.js", Line: 1, Column: 2, To: Location{File: "x.js", Line: 9, Symbol: "f"}},
		{AssetURL: "a.js", Line: 1, Column: 2, To: Location{File: "y.js", Line: 3, Symbol: "g"}},
	}
	if _, err := NewSourceMap(uuid.New(), uuid.New(), "production", "r1", dup); err == nil {
		t.Fatal("expected error for conflicting duplicate mappings")
	}

	same := []Mapping{dup[0], dup[0]}
	if _, err := NewSourceMap(uuid.New(), uuid.New(), "production", "r1", same); err != nil {
		t.Fatalf("identical duplicates are harmless, got %v", err)
	}
}

// --- ObfuscationMap construction ---

func TestNewObfuscationMap_RejectsMalformedSignature(t *testing.T) {
	_, err := NewObfuscationMap(uuid.New(), uuid.New(), nil, nil,
		[]MethodAlias{{Class: "com.foo.Bar", Signature: "baz", Alias: "a"}})
	if err == nil {
		t.Fatal("expected error for signature without parameter list")
	}
}

func TestNewObfuscationMap_RejectsAmbiguousAliases(t *testing.T) {
	_, err := NewObfuscationMap(uuid.New(), uuid.New(), nil, nil,
		[]MethodAlias{
			{Class: "com.foo.Bar", Signature: "int baz(String)", Alias: "a"},
			{Class: "com.foo.Bar", Signature: "int qux(String)", Alias: "a"},
		})
	if err == nil {
		t.Fatal("expected error: two real signatures share one obfuscated form")
	}
}

func TestObfuscationMapLookup_PackageKeyForms(t *testing.T) {
	classes := []ClassAlias{{Package: "com.foo", Alias: "B", Path: "src/foo/Bar.java", Name: "Bar"}}
	methods := []MethodAlias{{Class: "com.foo.Bar", Signature: "int baz(String)", Alias: "a"}}

	for _, packages := range []map[string]string{
		{"A": "com.foo"},     // keyed by aliased segment
		{"com.A": "com.foo"}, // keyed by full prefix
	} {
		m, err := NewObfuscationMap(uuid.New(), uuid.New(), packages, classes, methods)
		if err != nil {
			t.Fatal(err)
		}
		path, sig, ok := m.Lookup("com.A.B", "int a(String)")
		if !ok || path != "src/foo/Bar.java" || sig != "int baz(String)" {
			t.Errorf("packages=%v: got (%q, %q, %v)", packages, path, sig, ok)
		}
	}
}

func TestObfuscationMapLookup_UnaliasedPackage(t *testing.T) {
	m, err := NewObfuscationMap(uuid.New(), uuid.New(), nil,
		[]ClassAlias{{Package: "com.foo", Alias: "B", Path: "src/foo/Bar.java", Name: "Bar"}},
		[]MethodAlias{{Class: "com.foo.Bar", Signature: "int baz(String)", Alias: "a"}})
	if err != nil {
		t.Fatal(err)
	}
	// package was not obfuscated, only the class was
	if _, _, ok := m.Lookup("com.foo.B", "int a(String)"); !ok {
		t.Error("class alias under an unaliased package must resolve")
	}
}
