// Package types defines the value types shared by the autosubmit packages:
// package identities, package state snapshots and request records.
package types

import "strings"

// PackageIdentity names a package inside a project.
//
// Two identities are equal when project and package match. Ordering uses the
// rendered "project/package" form.
type PackageIdentity struct {
	Project string `json:"project" yaml:"project"`
	Package string `json:"package" yaml:"package"`
}

// NewIdentity is a shorthand for PackageIdentity{project, pkg}.
func NewIdentity(project, pkg string) PackageIdentity {
	return PackageIdentity{Project: project, Package: pkg}
}

func (id PackageIdentity) String() string {
	return id.Project + "/" + id.Package
}

// IsZero reports whether neither project nor package is set.
func (id PackageIdentity) IsZero() bool {
	return id.Project == "" && id.Package == ""
}

// Valid reports whether both project and package are set.
func (id PackageIdentity) Valid() bool {
	return id.Project != "" && id.Package != ""
}

// Compare orders identities by their rendered string form.
func (id PackageIdentity) Compare(other PackageIdentity) int {
	return strings.Compare(id.String(), other.String())
}

// Less reports whether id sorts before other.
func (id PackageIdentity) Less(other PackageIdentity) bool {
	return id.Compare(other) < 0
}

// PackageState is a snapshot of a package and its content fingerprints.
//
// Hash is the expanded fingerprint (verifymd5 on OBS) and is what diffing is
// based on; it falls back to UnexpandedHash (srcmd5) when no expanded one is
// published. Rev and ChangesHash are optional.
type PackageState struct {
	PackageIdentity

	Hash           string `json:"hash" yaml:"hash"`
	UnexpandedHash string `json:"unexpanded_hash,omitempty" yaml:"unexpanded_hash,omitempty"`
	Rev            string `json:"rev,omitempty" yaml:"rev,omitempty"`
	ChangesHash    string `json:"changes_hash,omitempty" yaml:"changes_hash,omitempty"`
}

// Identity returns the identity part of the state.
func (s PackageState) Identity() PackageIdentity {
	return s.PackageIdentity
}

// SameIdentity reports whether s and other describe the same package,
// regardless of content.
func (s PackageState) SameIdentity(other PackageState) bool {
	return s.PackageIdentity == other.PackageIdentity
}

// HasRev reports whether a revision token is known for this snapshot.
func (s PackageState) HasRev() bool {
	return s.Rev != ""
}

// Pair couples a devel package with the parent package it feeds into.
type Pair struct {
	Devel  PackageState
	Parent PackageState
}

func (p Pair) String() string {
	return p.Devel.String() + " -> " + p.Parent.String()
}

// Less orders pairs by parent identity, then by devel identity.
func (p Pair) Less(other Pair) bool {
	if c := p.Parent.Compare(other.Parent.PackageIdentity); c != 0 {
		return c < 0
	}
	return p.Devel.Less(other.Devel.PackageIdentity)
}
