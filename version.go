package depot

import (
	"fmt"
	"regexp"
	"time"
)

// Version is a single release of a Package. The surface spelling is kept
// as-is; ordering and equality use a packed numeric code so that "5.05" and
// "5.5" are the same release.
type Version struct {
	name      string
	code      uint64
	stable    bool
	author    string
	changelog string
	time      time.Time

	pkg     *Package
	sources []*Source
	main    *Source
	files   []string
}

const (
	maxSegments    = 4
	segmentDigits  = 4
	segmentCeiling = 10000
)

var versionSegment = regexp.MustCompile(`[0-9]+|[a-zA-Z]+`)

// NewVersion parses name and attaches the version to pkg (which may be nil
// for standalone use). A version has one to four dot-separated numeric
// components of at most four digits each; digits embedded in an alphabetic
// suffix count as an extra component ("1.2pre3" orders like "1.2.3").
func NewVersion(name string, pkg *Package) (*Version, error) {
	v := &Version{name: name, stable: true, pkg: pkg}

	var segments []uint64
	for _, seg := range versionSegment.FindAllString(name, -1) {
		if seg[0] >= 'a' && seg[0] <= 'z' || seg[0] >= 'A' && seg[0] <= 'Z' {
			v.stable = false
			continue
		}
		if len(segments) == maxSegments {
			return nil, ErrVersionName
		}
		if len(seg) > segmentDigits {
			return nil, ErrVersionOverflow
		}
		var n uint64
		for _, c := range seg {
			n = n*10 + uint64(c-'0')
		}
		segments = append(segments, n)
	}

	if len(segments) == 0 {
		return nil, ErrVersionName
	}

	for i := 0; i < maxSegments; i++ {
		v.code *= segmentCeiling
		if i < len(segments) {
			v.code += segments[i]
		}
	}

	return v, nil
}

func (v *Version) Name() string      { return v.name }
func (v *Version) Code() uint64      { return v.code }
func (v *Version) IsStable() bool    { return v.stable }
func (v *Version) Package() *Package { return v.pkg }
func (v *Version) String() string    { return v.name }

func (v *Version) Author() string       { return v.author }
func (v *Version) Changelog() string    { return v.changelog }
func (v *Version) Time() time.Time      { return v.time }
func (v *Version) SetAuthor(a string)   { v.author = a }
func (v *Version) SetChangelog(c string) { v.changelog = c }
func (v *Version) SetTime(t time.Time)  { v.time = t }

// Compare orders two versions by their packed codes.
func (v *Version) Compare(o *Version) int {
	switch {
	case v.code < o.code:
		return -1
	case v.code > o.code:
		return 1
	default:
		return 0
	}
}

// FullName is "<Index>/<Category>/<Package> v<Version>", omitting absent
// ancestors.
func (v *Version) FullName() string {
	if v.pkg == nil {
		return "v" + v.name
	}
	return v.pkg.FullName() + " v" + v.name
}

// AddSource attaches src to the version. Sources declared for a platform the
// current host cannot run are dropped without error; the first source with an
// empty file name becomes the version's main source.
func (v *Version) AddSource(src *Source) error {
	if src.version != v {
		return fmt.Errorf("source belongs to another version")
	}

	if !src.platform.Supported() {
		return nil
	}

	if src.file == "" && v.main == nil {
		v.main = src
	}

	v.sources = append(v.sources, src)

	path := src.TargetPath()
	for _, f := range v.files {
		if f == path {
			return nil
		}
	}
	v.files = append(v.files, path)
	return nil
}

// Sources lists the platform-compatible sources in insertion order.
func (v *Version) Sources() []*Source { return v.sources }

func (v *Version) Source(i int) *Source { return v.sources[i] }

// MainSource is the source installed under the package's own name, or nil.
func (v *Version) MainSource() *Source { return v.main }

// Files lists the unique install paths of all sources, in insertion order.
func (v *Version) Files() []string { return v.files }
