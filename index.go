package depot

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/packdepot/depot/internal/compression"
)

// Index is the in-memory tree parsed from a remote's manifest:
// index → category → package → version → source. The tree is immutable once
// loaded; children hold non-owning back-references to their parents.
type Index struct {
	name       string
	categories []*Category
	catMap     map[string]int
	packages   []*Package
}

func NewIndex(name string) *Index {
	return &Index{name: name, catMap: map[string]int{}}
}

func (ri *Index) Name() string { return ri.name }

// AddCategory attaches cat to the index. Categories that ended up with no
// packages are dropped silently.
func (ri *Index) AddCategory(cat *Category) error {
	if cat.index != ri {
		return fmt.Errorf("category belongs to another index")
	}

	if len(cat.packages) == 0 {
		return nil
	}

	ri.catMap[cat.name] = len(ri.categories)
	ri.categories = append(ri.categories, cat)
	ri.packages = append(ri.packages, cat.packages...)
	return nil
}

// Categories lists categories in insertion order.
func (ri *Index) Categories() []*Category { return ri.categories }

// Category returns the named category, or nil.
func (ri *Index) Category(name string) *Category {
	if i, ok := ri.catMap[name]; ok {
		return ri.categories[i]
	}
	return nil
}

// Packages lists every package of every category.
func (ri *Index) Packages() []*Package { return ri.packages }

// Find returns the named package within the named category, or nil.
func (ri *Index) Find(category, pkg string) *Package {
	if cat := ri.Category(category); cat != nil {
		return cat.Package(pkg)
	}
	return nil
}

// Category groups packages within an Index.
type Category struct {
	index    *Index
	name     string
	packages []*Package
	pkgMap   map[string]int
}

func NewCategory(name string, ri *Index) (*Category, error) {
	if name == "" {
		return nil, fmt.Errorf("empty category name")
	}
	return &Category{index: ri, name: name, pkgMap: map[string]int{}}, nil
}

func (c *Category) Index() *Index { return c.index }
func (c *Category) Name() string  { return c.name }

func (c *Category) FullName() string {
	if c.index == nil {
		return c.name
	}
	return c.index.name + "/" + c.name
}

// AddPackage attaches pkg to the category. Packages of unknown type or with
// no versions are dropped silently.
func (c *Category) AddPackage(pkg *Package) error {
	if pkg.category != c {
		return fmt.Errorf("package belongs to another category")
	}

	if pkg.typ == UnknownType || len(pkg.versions) == 0 {
		return nil
	}

	c.pkgMap[pkg.name] = len(c.packages)
	c.packages = append(c.packages, pkg)
	return nil
}

// Packages lists the category's packages in insertion order.
func (c *Category) Packages() []*Package { return c.packages }

// Package returns the named package, or nil.
func (c *Category) Package(name string) *Package {
	if i, ok := c.pkgMap[name]; ok {
		return c.packages[i]
	}
	return nil
}

// Manifest DTOs. The tree proper is built through the Add* constructors so
// that ownership and silent-drop rules apply uniformly to parsed and
// hand-built indexes.
type xmlIndex struct {
	XMLName    xml.Name      `xml:"index"`
	Version    string        `xml:"version,attr"`
	Categories []xmlCategory `xml:"category"`
}

type xmlCategory struct {
	Name     string       `xml:"name,attr"`
	Packages []xmlPackage `xml:"package"`
}

type xmlPackage struct {
	Name     string       `xml:"name,attr"`
	Type     string       `xml:"type,attr"`
	Versions []xmlVersion `xml:"version"`
}

type xmlVersion struct {
	Name      string      `xml:"name,attr"`
	Author    string      `xml:"author,attr"`
	Time      string      `xml:"time,attr"`
	Changelog string      `xml:"changelog"`
	Sources   []xmlSource `xml:"source"`
}

type xmlSource struct {
	Platform string `xml:"platform,attr"`
	File     string `xml:"file,attr"`
	Main     string `xml:"main,attr"`
	URL      string `xml:",chardata"`
}

// LoadIndex reads and parses the cached manifest of the named remote under
// root. The cache may be zstd-compressed on disk.
func LoadIndex(root, name string) (*Index, error) {
	data, err := os.ReadFile(IndexPath(root, name))
	if err != nil {
		return nil, err
	}
	return ParseIndex(name, compression.Expand(data))
}

// ParseIndex builds an Index tree from manifest data. Only manifest version 1
// is understood.
func ParseIndex(name string, data []byte) (*Index, error) {
	var doc xmlIndex
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexInvalid, err)
	}

	if doc.Version == "" {
		return nil, ErrIndexVersionMissing
	}
	ver, err := strconv.Atoi(doc.Version)
	if err != nil {
		return nil, ErrIndexVersionMissing
	}
	if ver != 1 {
		return nil, ErrIndexVersionUnsupported
	}

	return loadV1(name, &doc)
}

func loadV1(name string, doc *xmlIndex) (*Index, error) {
	ri := NewIndex(name)

	for _, xcat := range doc.Categories {
		cat, err := NewCategory(xcat.Name, ri)
		if err != nil {
			return nil, err
		}

		for _, xpkg := range xcat.Packages {
			pkg, err := NewPackage(ParsePackageType(xpkg.Type), xpkg.Name, cat)
			if err != nil {
				return nil, err
			}

			for _, xver := range xpkg.Versions {
				ver, err := NewVersion(xver.Name, pkg)
				if err != nil {
					return nil, err
				}
				ver.SetAuthor(xver.Author)
				ver.SetChangelog(strings.TrimSpace(xver.Changelog))
				if t, err := parseTime(xver.Time); err == nil {
					ver.SetTime(t)
				}

				for _, xsrc := range xver.Sources {
					src := NewSource(ParsePlatform(xsrc.Platform), xsrc.File,
						strings.TrimSpace(xsrc.URL), ver)
					if xsrc.Main == "true" || xsrc.Main == "1" {
						src.SetSections(MainSection)
					}
					if err := ver.AddSource(src); err != nil {
						return nil, err
					}
				}

				if err := pkg.AddVersion(ver); err != nil {
					return nil, err
				}
			}

			if err := cat.AddPackage(pkg); err != nil {
				return nil, err
			}
		}

		if err := ri.AddCategory(cat); err != nil {
			return nil, err
		}
	}

	return ri, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// IndexPath is where the remote's manifest is cached under root.
func IndexPath(root, name string) string {
	return filepath.Join(root, "cache", name+".xml")
}

// WriteIndexCache stores manifest data in the cache, compressed when that
// helps. LoadIndex transparently expands it again.
func WriteIndexCache(root, name string, data []byte) error {
	path := IndexPath(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return os.WriteFile(path, compression.Shrink(data), 0o644)
}
