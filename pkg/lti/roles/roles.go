// Package roles translates LIS role identifiers between the vocabularies used
// by the three LTI generations.
//
// LTI 1.0/1.1 messages carry URN-style roles ("urn:lti:role:ims/lis/Instructor",
// "urn:lti:instrole:ims/lis/Student", "urn:lti:sysrole:ims/lis/SysAdmin"),
// with sub-roles composed by '/' ("Instructor/TeachingAssistant"). LTI 2.0 and
// LTI 1.3 use vocabulary URLs under http://purl.imsglobal.org/vocab/lis/v2/,
// with sub-roles composed by '#' ("membership/Instructor#TeachingAssistant").
// The two generations differ in where institution roles live: LTI 2.0 keeps
// them directly under ".../person", LTI 1.3 moves them to
// ".../institution/person". System roles sit under ".../system/person" in both.
package roles

import "strings"

// Version selects a target role vocabulary.
type Version int

const (
	V1p0 Version = iota + 1 // urn:lti:... URNs
	V2p0                    // vocab URLs, person# for non-context roles
	V1p3                    // vocab URLs, institution/person# and system/person#
)

const (
	urnContext     = "urn:lti:role:ims/lis/"
	urnInstitution = "urn:lti:instrole:ims/lis/"
	urnSystem      = "urn:lti:sysrole:ims/lis/"

	vocabBase       = "http://purl.imsglobal.org/vocab/lis/v2/"
	membershipBase  = vocabBase + "membership"
	personBase      = vocabBase + "person"
	instPersonBase  = vocabBase + "institution/person"
	sysPersonBase   = vocabBase + "system/person"
	ltiSystemPerson = "http://purl.imsglobal.org/vocab/lti/system/person"
)

type category int

const (
	catContext category = iota
	catInstitution
	catSystem
	catOpaque // unrecognized full URI, passed through verbatim
)

type parsed struct {
	cat       category
	principal string // context principal role, e.g. "Instructor"
	sub       string // optional sub-role, e.g. "TeachingAssistant"
	name      string // institution/system role name, or the verbatim opaque URI
}

// Translate converts every role in the input list to the target vocabulary.
// Plain names (no scheme) are treated as context roles and expanded. Roles
// that are full URIs but belong to no known vocabulary pass through verbatim.
// Empty entries are dropped. The output is de-duplicated, preserving the
// order of first appearance.
//
// A bare principal role is suppressed when the same input set also carries a
// more specific sub-role for that principal. When translating toward LTI 1.3
// with addPrincipalRole set, the principal role is emitted alongside each
// sub-role, which is what the 1.3 migration guide asks launches to do.
func Translate(in []string, target Version, addPrincipalRole bool) []string {
	entries := make([]parsed, 0, len(in))
	subPrincipals := make(map[string]bool)
	for _, raw := range in {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, ok := parse(raw)
		if !ok {
			continue
		}
		entries = append(entries, p)
		if p.cat == catContext && p.sub != "" {
			subPrincipals[p.principal] = true
		}
	}

	var out []string
	seen := make(map[string]bool)
	emit := func(r string) {
		if r == "" || seen[r] {
			return
		}
		seen[r] = true
		out = append(out, r)
	}

	for _, p := range entries {
		if p.cat == catContext && p.sub == "" && subPrincipals[p.principal] {
			// redundant next to its own sub-role
			continue
		}
		emit(render(p, target))
		if p.cat == catContext && p.sub != "" && target == V1p3 && addPrincipalRole {
			emit(render(parsed{cat: catContext, principal: p.principal}, target))
		}
	}
	return out
}

func parse(raw string) (parsed, bool) {
	switch {
	case strings.HasPrefix(raw, urnContext):
		return splitContext(strings.TrimPrefix(raw, urnContext), "/"), true
	case strings.HasPrefix(raw, urnInstitution):
		return parsed{cat: catInstitution, name: strings.TrimPrefix(raw, urnInstitution)}, true
	case strings.HasPrefix(raw, urnSystem):
		return parsed{cat: catSystem, name: strings.TrimPrefix(raw, urnSystem)}, true
	case strings.HasPrefix(raw, membershipBase):
		rest := strings.TrimPrefix(raw, membershipBase)
		switch {
		case strings.HasPrefix(rest, "#"):
			return parsed{cat: catContext, principal: rest[1:]}, true
		case strings.HasPrefix(rest, "/"):
			principal, sub, found := strings.Cut(rest[1:], "#")
			if !found || principal == "" || sub == "" {
				return parsed{}, false
			}
			return parsed{cat: catContext, principal: principal, sub: sub}, true
		}
		return parsed{cat: catOpaque, name: raw}, true
	case strings.HasPrefix(raw, instPersonBase+"#"):
		return parsed{cat: catInstitution, name: strings.TrimPrefix(raw, instPersonBase+"#")}, true
	case strings.HasPrefix(raw, sysPersonBase+"#"):
		return parsed{cat: catSystem, name: strings.TrimPrefix(raw, sysPersonBase+"#")}, true
	case strings.HasPrefix(raw, ltiSystemPerson+"#"):
		return parsed{cat: catSystem, name: strings.TrimPrefix(raw, ltiSystemPerson+"#")}, true
	case strings.HasPrefix(raw, personBase+"#"):
		// LTI 2.0 kept institution roles directly under person#
		return parsed{cat: catInstitution, name: strings.TrimPrefix(raw, personBase+"#")}, true
	case strings.Contains(raw, ":") || strings.Contains(raw, "/"):
		// some other full URI; pass through untouched
		return parsed{cat: catOpaque, name: raw}, true
	default:
		// plain name, e.g. "Instructor"
		return splitContext(raw, "/"), true
	}
}

func splitContext(name, sep string) parsed {
	principal, sub, found := strings.Cut(name, sep)
	if found && sub != "" {
		return parsed{cat: catContext, principal: principal, sub: sub}
	}
	return parsed{cat: catContext, principal: name}
}

func render(p parsed, target Version) string {
	switch p.cat {
	case catOpaque:
		return p.name
	case catContext:
		switch target {
		case V1p0:
			if p.sub != "" {
				return urnContext + p.principal + "/" + p.sub
			}
			return urnContext + p.principal
		default:
			if p.sub != "" {
				return membershipBase + "/" + p.principal + "#" + p.sub
			}
			return membershipBase + "#" + p.principal
		}
	case catInstitution:
		switch target {
		case V1p0:
			return urnInstitution + p.name
		case V2p0:
			return personBase + "#" + p.name
		default:
			return instPersonBase + "#" + p.name
		}
	case catSystem:
		if target == V1p0 {
			return urnSystem + p.name
		}
		return sysPersonBase + "#" + p.name
	}
	return ""
}

// Principal returns the principal segment of a composed context role URI, or
// the empty string when the role carries no sub-role.
func Principal(role string) string {
	p, ok := parse(strings.TrimSpace(role))
	if !ok || p.cat != catContext || p.sub == "" {
		return ""
	}
	return p.principal
}
