package depot

import (
	"fmt"
	"path"
	"sort"
)

// PackageType classifies what a package installs and where its files land.
type PackageType int

const (
	UnknownType PackageType = iota
	ScriptType
	ExtensionType
	EffectType
	DataType
)

var typeNames = map[string]PackageType{
	"script":    ScriptType,
	"extension": ExtensionType,
	"effect":    EffectType,
	"data":      DataType,
}

// ParsePackageType maps a manifest type tag to a PackageType. Unrecognized
// tags map to UnknownType; packages of unknown type are dropped at
// category-addition time rather than failing the whole index.
func ParsePackageType(name string) PackageType {
	return typeNames[name]
}

func (t PackageType) String() string {
	for name, typ := range typeNames {
		if typ == t {
			return name
		}
	}
	return "unknown"
}

// Package is a named, typed set of versions within a Category.
type Package struct {
	category *Category
	name     string
	typ      PackageType
	versions []*Version // ascending by code
	verMap   map[string]int
}

func NewPackage(typ PackageType, name string, cat *Category) (*Package, error) {
	if name == "" {
		return nil, fmt.Errorf("empty package name")
	}
	return &Package{category: cat, name: name, typ: typ, verMap: map[string]int{}}, nil
}

func (p *Package) Name() string        { return p.name }
func (p *Package) Type() PackageType   { return p.typ }
func (p *Package) Category() *Category { return p.category }

func (p *Package) FullName() string {
	if p.category == nil {
		return p.name
	}
	return p.category.FullName() + "/" + p.name
}

// AddVersion attaches ver to the package, keeping versions ordered by code.
// Versions with no compatible sources are dropped silently.
func (p *Package) AddVersion(ver *Version) error {
	if ver.pkg != p {
		return fmt.Errorf("version belongs to another package")
	}

	if len(ver.sources) == 0 {
		return nil
	}

	i := sort.Search(len(p.versions), func(i int) bool {
		return p.versions[i].code >= ver.code
	})
	p.versions = append(p.versions, nil)
	copy(p.versions[i+1:], p.versions[i:])
	p.versions[i] = ver

	p.verMap = nil // positions shifted, rebuild lazily
	return nil
}

// Versions lists the package's versions in ascending order.
func (p *Package) Versions() []*Version { return p.versions }

func (p *Package) Version(i int) *Version { return p.versions[i] }

// FindVersion returns the version with the given name, or nil.
func (p *Package) FindVersion(name string) *Version {
	if p.verMap == nil {
		p.verMap = make(map[string]int, len(p.versions))
		for i, ver := range p.versions {
			p.verMap[ver.name] = i
		}
	}
	if i, ok := p.verMap[name]; ok {
		return p.versions[i]
	}
	return nil
}

// LastVersion returns the newest version eligible for installation.
// Pre-releases are considered only when pre is set, or when the currently
// installed version (from, may be empty) is itself a pre-release and nothing
// newer is stable.
func (p *Package) LastVersion(pre bool, from string) *Version {
	if len(p.versions) == 0 {
		return nil
	}

	var floor uint64
	fromStable := true
	if from != "" {
		if cur, err := NewVersion(from, nil); err == nil {
			floor = cur.code
			fromStable = cur.stable
		}
	}

	for i := len(p.versions) - 1; i >= 0; i-- {
		ver := p.versions[i]
		if ver.code < floor {
			break
		}
		if ver.stable || pre {
			return ver
		}
	}

	if !fromStable {
		return p.versions[len(p.versions)-1]
	}
	return nil
}

// Host sections a script file can register into, stored as a bit-mask on
// installed file records. Mapping section bits to host identifiers is the
// embedding host's concern.
const (
	MainSection = 1 << iota
	MIDIEditorSection
	MIDIInlineEditorSection
)

// Source is one downloadable file of a Version, possibly restricted to a
// platform. A source with an empty file name installs under the package's
// own name and is the version's main source.
type Source struct {
	version  *Version
	platform Platform
	file     string
	url      string
	sections int
}

func NewSource(platform Platform, file, url string, ver *Version) *Source {
	return &Source{version: ver, platform: platform, file: file, url: url}
}

func (s *Source) Version() *Version  { return s.version }
func (s *Source) Platform() Platform { return s.platform }
func (s *Source) File() string       { return s.file }
func (s *Source) URL() string        { return s.url }
func (s *Source) Sections() int      { return s.sections }
func (s *Source) IsMain() bool       { return s.file == "" }

func (s *Source) SetSections(sections int) { s.sections = sections }

func (s *Source) fileName() string {
	if s.file != "" {
		return s.file
	}
	if s.version != nil && s.version.pkg != nil {
		return s.version.pkg.name
	}
	return ""
}

// TargetPath is the slash-separated install path relative to the root
// directory, derived from the owning package's type and ancestry.
func (s *Source) TargetPath() string {
	var pkg *Package
	if s.version != nil {
		pkg = s.version.pkg
	}
	if pkg == nil {
		return s.fileName()
	}

	var index, category string
	if pkg.category != nil {
		category = pkg.category.name
		if pkg.category.index != nil {
			index = pkg.category.index.name
		}
	}

	switch pkg.typ {
	case ScriptType:
		return path.Join("scripts", index, category, s.fileName())
	case EffectType:
		return path.Join("effects", index, category, s.fileName())
	case ExtensionType:
		return path.Join("extensions", s.fileName())
	case DataType:
		return path.Join("data", index, category, s.fileName())
	default:
		return path.Join(index, category, s.fileName())
	}
}
