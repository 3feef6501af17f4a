package resolve

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ClassAlias maps an obfuscated class short name, within its real package, to
// the real class.
type ClassAlias struct {
	Package string `json:"package"` // real package prefix, e.g. "com.foo"
	Alias   string `json:"alias"`   // obfuscated short name, e.g. "B"
	Path    string `json:"path"`    // source path, e.g. "src/foo/Bar.java"
	Name    string `json:"name"`    // real class name, e.g. "Bar"
}

// MethodAlias maps a real method signature on a real class to the obfuscated
// method name the build emitted for it.
type MethodAlias struct {
	Class     string `json:"class"`     // real qualified class, e.g. "com.foo.Bar"
	Signature string `json:"signature"` // real signature, e.g. "int baz(String)"
	Alias     string `json:"alias"`     // obfuscated method name, e.g. "a"
}

type classKey struct {
	pkg   string
	alias string
}

type classEntry struct {
	path string
	name string
}

type methodKey struct {
	class        string
	obfSignature string
}

// ObfuscationMap deobfuscates Java frames for one deploy by composing the
// package-alias, class-alias and method-alias tables.
type ObfuscationMap struct {
	ID       uuid.UUID
	DeployID uuid.UUID

	packages map[string]string   // alias prefix → real package prefix
	classes  map[classKey]classEntry
	methods  map[methodKey]string // (real class, obfuscated signature) → real signature

	rawPackages map[string]string
	rawClasses  []ClassAlias
	rawMethods  []MethodAlias
}

// NewObfuscationMap validates and indexes the three alias tables. Conflicting
// aliases are a configuration error surfaced here, not during resolution.
func NewObfuscationMap(id, deployID uuid.UUID, packages map[string]string, classes []ClassAlias, methods []MethodAlias) (*ObfuscationMap, error) {
	m := &ObfuscationMap{
		ID:          id,
		DeployID:    deployID,
		packages:    make(map[string]string, len(packages)),
		classes:     make(map[classKey]classEntry, len(classes)),
		methods:     make(map[methodKey]string, len(methods)),
		rawPackages: make(map[string]string, len(packages)),
		rawClasses:  append([]ClassAlias(nil), classes...),
		rawMethods:  append([]MethodAlias(nil), methods...),
	}
	for alias, real := range packages {
		m.packages[alias] = real
		m.rawPackages[alias] = real
	}

	for _, c := range classes {
		k := classKey{pkg: c.Package, alias: c.Alias}
		if prev, ok := m.classes[k]; ok && prev != (classEntry{path: c.Path, name: c.Name}) {
			return nil, fmt.Errorf("conflicting class aliases for %s.%s", c.Package, c.Alias)
		}
		m.classes[k] = classEntry{path: c.Path, name: c.Name}
	}

	for _, ma := range methods {
		obfSig, err := aliasSignature(ma.Signature, ma.Alias)
		if err != nil {
			return nil, fmt.Errorf("method alias for %s: %w", ma.Class, err)
		}
		k := methodKey{class: ma.Class, obfSignature: obfSig}
		if prev, ok := m.methods[k]; ok && prev != ma.Signature {
			return nil, fmt.Errorf("ambiguous method alias %q on %s", obfSig, ma.Class)
		}
		m.methods[k] = ma.Signature
	}
	return m, nil
}

// Packages returns the package-alias table, for persistence.
func (m *ObfuscationMap) Packages() map[string]string {
	out := make(map[string]string, len(m.rawPackages))
	for k, v := range m.rawPackages {
		out[k] = v
	}
	return out
}

// Classes returns the class-alias table, for persistence.
func (m *ObfuscationMap) Classes() []ClassAlias { return append([]ClassAlias(nil), m.rawClasses...) }

// Methods returns the method-alias table, for persistence.
func (m *ObfuscationMap) Methods() []MethodAlias { return append([]MethodAlias(nil), m.rawMethods...) }

// Lookup composes the three alias tables for an obfuscated qualified class
// and signature. A hit requires the package+class combination to be known and
// the exact method signature to be aliased; resolving only the class is not
// enough, since a partially resolved frame would be worse than an untouched
// one.
func (m *ObfuscationMap) Lookup(obfClass, obfSignature string) (path, signature string, ok bool) {
	dot := strings.LastIndex(obfClass, ".")
	if dot < 0 {
		return "", "", false
	}
	pkgPart, shortName := obfClass[:dot], obfClass[dot+1:]

	realPkg := m.resolvePackage(pkgPart)
	entry, ok := m.classes[classKey{pkg: realPkg, alias: shortName}]
	if !ok {
		return "", "", false
	}

	realClass := realPkg + "." + entry.name
	realSig, ok := m.methods[methodKey{class: realClass, obfSignature: obfSignature}]
	if !ok {
		return "", "", false
	}
	return entry.path, realSig, true
}

// resolvePackage maps an obfuscated package prefix to its real counterpart.
// The alias table may be keyed by the full prefix ("com.A") or by the aliased
// trailing segment alone ("A"); both are accepted, longest form first. An
// unaliased package resolves to itself.
func (m *ObfuscationMap) resolvePackage(pkg string) string {
	rest := pkg
	for {
		if real, ok := m.packages[rest]; ok {
			return real
		}
		i := strings.Index(rest, ".")
		if i < 0 {
			return pkg
		}
		rest = rest[i+1:]
	}
}

// aliasSignature rewrites a real signature with the obfuscated method name,
// e.g. ("int baz(String)", "a") → "int a(String)".
func aliasSignature(signature, alias string) (string, error) {
	paren := strings.Index(signature, "(")
	if paren < 0 {
		return "", fmt.Errorf("signature %q has no parameter list", signature)
	}
	head := strings.TrimRight(signature[:paren], " ")
	sp := strings.LastIndex(head, " ")
	if sp < 0 {
		return "", fmt.Errorf("signature %q has no return type", signature)
	}
	return head[:sp+1] + alias + signature[paren:], nil
}
