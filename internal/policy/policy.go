// Package policy holds the static rules autosubmit applies on top of package
// state: which devel projects must never be auto-submitted, which parent
// packages are expected to lack a devel link, and which internal links are
// known to differ.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/BurntSushi/toml"

	"github.com/steveyegge/autosubmit/internal/types"
)

// FileName is the policy file looked up in the cache directory.
const FileName = "policy.toml"

// Builtin defaults, compiled into the binary.
var (
	DefaultDisabledProjects = []string{"GNOME:Factory", "GNOME:Apps"}
	DefaultNoDevelSafe      = []string{`^_product.*`}
	// openSUSE:Factory/glibc.i686 links to openSUSE:Factory/glibc but its
	// hash is different.
	DefaultInternalLinkSafe = []string{"openSUSE:Factory/glibc.i686"}
)

// File is the on-disk TOML layout.
//
//	disabled_projects = ["GNOME:Factory"]
//	disabled_packages = ["devel:tools/gcc"]
//	no_devel_safe = ["^_product.*"]
//	internal_link_safe = ["openSUSE:Factory/glibc.i686"]
//	replace_defaults = false
type File struct {
	DisabledProjects []string `toml:"disabled_projects"`
	DisabledPackages []string `toml:"disabled_packages"`
	NoDevelSafe      []string `toml:"no_devel_safe"`
	InternalLinkSafe []string `toml:"internal_link_safe"`
	ReplaceDefaults  bool     `toml:"replace_defaults"`
}

// Policy answers the static questions the reconciliation engine asks.
type Policy struct {
	disabledProjects map[string]bool
	disabledPackages map[string]bool
	noDevelSafe      []*regexp.Regexp
	internalLinkSafe map[string]bool
}

// Default returns the builtin policy.
func Default() *Policy {
	p, err := build(File{
		DisabledProjects: DefaultDisabledProjects,
		NoDevelSafe:      DefaultNoDevelSafe,
		InternalLinkSafe: DefaultInternalLinkSafe,
	})
	if err != nil {
		// Builtin patterns are constants; failing to compile them is a bug.
		panic(err)
	}
	return p
}

// New builds a policy from explicit lists, without the builtin defaults.
func New(f File) (*Policy, error) {
	return build(f)
}

// Load returns the builtin policy merged with the TOML file at path.
// A missing file yields the builtin policy. When the file sets
// replace_defaults, its lists replace the builtin ones instead.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if !f.ReplaceDefaults {
		f.DisabledProjects = append(append([]string{}, DefaultDisabledProjects...), f.DisabledProjects...)
		f.NoDevelSafe = append(append([]string{}, DefaultNoDevelSafe...), f.NoDevelSafe...)
		f.InternalLinkSafe = append(append([]string{}, DefaultInternalLinkSafe...), f.InternalLinkSafe...)
	}

	p, err := build(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func build(f File) (*Policy, error) {
	p := &Policy{
		disabledProjects: toSet(f.DisabledProjects),
		disabledPackages: toSet(f.DisabledPackages),
		internalLinkSafe: toSet(f.InternalLinkSafe),
	}
	for _, expr := range f.NoDevelSafe {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid no_devel_safe pattern %q: %w", expr, err)
		}
		p.noDevelSafe = append(p.noDevelSafe, re)
	}
	return p, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// AutoSubmitEnabled reports whether automatic submission from the devel
// package is permitted. Projects are checked first, then single packages.
func (p *Policy) AutoSubmitEnabled(devel types.PackageIdentity) bool {
	if p.disabledProjects[devel.Project] {
		return false
	}
	return !p.disabledPackages[devel.String()]
}

// NoDevelExpected reports whether a parent package without a devel link is
// normal. Patterns are anchored at the start of the package name.
func (p *Policy) NoDevelExpected(pkg string) bool {
	for _, re := range p.noDevelSafe {
		if loc := re.FindStringIndex(pkg); loc != nil && loc[0] == 0 {
			return true
		}
	}
	return false
}

// InternalLinkExpected reports whether parent is a known internal link whose
// hash legitimately differs from its link target.
func (p *Policy) InternalLinkExpected(parent types.PackageIdentity) bool {
	return p.internalLinkSafe[parent.String()]
}

// Snapshot returns the policy in its file form, for display.
func (p *Policy) Snapshot() File {
	f := File{ReplaceDefaults: true}
	for k := range p.disabledProjects {
		f.DisabledProjects = append(f.DisabledProjects, k)
	}
	for k := range p.disabledPackages {
		f.DisabledPackages = append(f.DisabledPackages, k)
	}
	for _, re := range p.noDevelSafe {
		f.NoDevelSafe = append(f.NoDevelSafe, re.String())
	}
	for k := range p.internalLinkSafe {
		f.InternalLinkSafe = append(f.InternalLinkSafe, k)
	}
	slices.Sort(f.DisabledProjects)
	slices.Sort(f.DisabledPackages)
	slices.Sort(f.InternalLinkSafe)
	return f
}
