// Package search implements the in-memory package index: weighted inverted
// token indexes over names, descriptions, readmes and API documentation,
// like-based ranking signals, and ranked, filtered, paginated queries.
package search

import "time"

// DependencyKind distinguishes how a package depends on another.
type DependencyKind string

const (
	DependencyDirect     DependencyKind = "direct"
	DependencyDev        DependencyKind = "dev"
	DependencyTransitive DependencyKind = "transitive"
)

// APIDocPage holds the extracted symbols and prose of one generated
// documentation page.
type APIDocPage struct {
	RelativePath string   `json:"relativePath"`
	Symbols      []string `json:"symbols,omitempty"`
	TextBlocks   []string `json:"textBlocks,omitempty"`
}

// PackageDocument is the unit of the search index, keyed by package name.
// Documents are replaced wholesale on update; there is no partial patching.
type PackageDocument struct {
	Package        string                    `json:"package"`
	Version        string                    `json:"version"`
	Description    string                    `json:"description,omitempty"`
	Tags           []string                  `json:"tags,omitempty"`
	Created        time.Time                 `json:"created"`
	Updated        time.Time                 `json:"updated"`
	Readme         string                    `json:"readme,omitempty"`
	Popularity     float64                   `json:"popularity"`
	LikeCount      int                       `json:"likeCount"`
	GrantedPoints  int                       `json:"grantedPoints"`
	MaxPoints      int                       `json:"maxPoints"`
	Dependencies   map[string]DependencyKind `json:"dependencies,omitempty"`
	PublisherID    string                    `json:"publisherId,omitempty"`
	UploaderEmails []string                  `json:"uploaderEmails,omitempty"`
	APIDocPages    []APIDocPage              `json:"apiDocPages,omitempty"`

	// Timestamp records when this index entry was (re)built, not when the
	// package itself changed.
	Timestamp time.Time `json:"timestamp"`
}

// HasTag reports whether the document carries the given tag.
func (d *PackageDocument) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// DependsOn reports whether the document depends on pkg. When
// includeTransitive is false only direct and dev dependencies qualify.
func (d *PackageDocument) DependsOn(pkg string, includeTransitive bool) bool {
	kind, ok := d.Dependencies[pkg]
	if !ok {
		return false
	}
	if includeTransitive {
		return true
	}
	return kind == DependencyDirect || kind == DependencyDev
}

// QualityRatio returns grantedPoints/maxPoints in [0,1], or 0 when no points
// have been computed yet.
func (d *PackageDocument) QualityRatio() float64 {
	if d.MaxPoints <= 0 {
		return 0
	}
	return float64(d.GrantedPoints) / float64(d.MaxPoints)
}
