// Package permission implements the Permission Gate (spec §4.3): a
// stateless authorization check run in front of every RPC method.
package permission

// Tag classifies why a caller might be allowed to invoke a method. A
// method always carries its own name as an implicit tag alongside
// whichever of these roles apply to it.
type Tag string

const (
	TagAdmin   Tag = "admin"
	TagManager Tag = "manager"
	TagCreator Tag = "creator"
	TagWorker  Tag = "worker"
)

// Call describes one authorization check.
type Call struct {
	CallerID string
	Method   string
	Params   interface{}
}

// Rule matches a Call. Identities is the common case — a caller id
// set — and Predicate covers anything richer (time-of-day windows,
// per-collection rules, inspecting Params). Exactly one of the two
// should be set; if both are, either matching is sufficient.
type Rule struct {
	Identities map[string]bool
	Predicate  func(Call) bool
}

func (r Rule) matches(c Call) bool {
	if r.Identities != nil && r.Identities[c.CallerID] {
		return true
	}
	if r.Predicate != nil && r.Predicate(c) {
		return true
	}
	return false
}

// Identities builds a Rule matching any of the given caller ids.
func Identities(ids ...string) Rule {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return Rule{Identities: set}
}

// Predicate builds a Rule from an arbitrary matcher function.
func Predicate(fn func(Call) bool) Rule {
	return Rule{Predicate: fn}
}

// Gate is the full set of allow/deny rules, keyed by tag. It is read-only
// once built and carries no mutable state, so Allowed can run without
// locking (§4.3 "purely functional").
type Gate struct {
	allow map[Tag][]Rule
	deny  map[Tag][]Rule

	// methodTags maps a method name to the tags that authorize it,
	// beyond the method's own name (which is always an implicit tag).
	methodTags map[string][]Tag
}

// NewGate builds an empty Gate. Use Allow/Deny/Tag to configure it
// before serving traffic — Gate is meant to be built once at startup.
func NewGate() *Gate {
	return &Gate{
		allow:      make(map[Tag][]Rule),
		deny:       make(map[Tag][]Rule),
		methodTags: make(map[string][]Tag),
	}
}

// Tag declares that method is additionally authorized by any rule
// attached to tag (on top of the method's own name).
func (g *Gate) Tag(method string, tags ...Tag) {
	g.methodTags[method] = append(g.methodTags[method], tags...)
}

// Allow attaches an allow rule to a tag (or a bare method name, which
// is always implicitly a tag of itself).
func (g *Gate) Allow(tag Tag, rule Rule) {
	g.allow[tag] = append(g.allow[tag], rule)
}

// Deny attaches a deny rule to a tag.
func (g *Gate) Deny(tag Tag, rule Rule) {
	g.deny[tag] = append(g.deny[tag], rule)
}

// Allowed reports whether c is authorized: no deny rule on any of the
// call's tags may match, and at least one allow rule on any of its tags
// must.
func (g *Gate) Allowed(c Call) bool {
	tags := g.tagsFor(c.Method)

	for _, tag := range tags {
		for _, rule := range g.deny[tag] {
			if rule.matches(c) {
				return false
			}
		}
	}

	for _, tag := range tags {
		for _, rule := range g.allow[tag] {
			if rule.matches(c) {
				return true
			}
		}
	}
	return false
}

func (g *Gate) tagsFor(method string) []Tag {
	tags := make([]Tag, 0, len(g.methodTags[method])+1)
	tags = append(tags, Tag(method))
	tags = append(tags, g.methodTags[method]...)
	return tags
}
