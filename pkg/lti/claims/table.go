// Package claims maps the flat message parameters of LTI 1.0/1.1 onto the
// nested JWT claims of LTI 1.3, in both directions. The mapping is a static
// table; the coercion helpers in coerce.go apply the per-entry value
// transforms, and mapper.go walks whole parameter/claim maps.
package claims

import "strings"

// Coercion tags describe how a flat string parameter and its JSON claim value
// relate.
type Coercion int

const (
	CoerceString       Coercion = iota // direct string
	CoerceArray                        // comma-separated string <-> JSON array
	CoerceObject                       // "k=v,k2=v2" <-> JSON object
	CoerceBoolean                      // "true"/"false" <-> JSON boolean
	CoerceInteger                      // numeric string <-> JSON integer
	CoerceContentItems                 // JSON string <-> JSON array (optionally @graph-wrapped)
)

// Entry is one row of the mapping table.
//
// The claim location is derived as follows:
//   - URI set: the claim sits at the top level under exactly that URI
//     (vendor extensions).
//   - TopLevel: the claim is a bare OIDC claim named Claim ("sub", "email").
//   - Group == "": the claim sits at the top level under the namespaced URI
//     for Claim.
//   - otherwise: the claim is field Claim inside the namespaced Group object.
//
// Suffix selects the namespace: "" for the core lti claims, "dl"/"ags"/
// "nrps"/"bo" for the deep-linking, grades, membership and basic-outcomes
// extensions.
type Entry struct {
	Legacy   string
	Suffix   string
	Group    string
	Claim    string
	Coerce   Coercion
	TopLevel bool
	URI      string
}

const claimPrefix = "https://purl.imsglobal.org/spec/lti"

// Namespace claim URIs handled by prefix, not by table rows.
const (
	CustomClaim = claimPrefix + "/claim/custom"
	ExtClaim    = claimPrefix + "/claim/ext"
	LTI1p1Claim = claimPrefix + "/claim/lti1p1"

	// Canvas publishes its placement hint as a bare vendor claim.
	PlacementClaim = "https://www.instructure.com/placement"
)

// ClaimURI returns the core lti claim URI for name, e.g.
// ClaimURI("message_type").
func ClaimURI(name string) string { return claimPrefix + "/claim/" + name }

// Namespace returns the claim URI that carries this entry: either the group
// URI (when nested) or the claim's own URI (when flat).
func (e Entry) Namespace() string {
	if e.URI != "" {
		return e.URI
	}
	if e.TopLevel {
		return e.Claim
	}
	suffix := ""
	if e.Suffix != "" {
		suffix = "-" + e.Suffix
	}
	if e.Group != "" {
		return claimPrefix + suffix + "/claim/" + e.Group
	}
	return claimPrefix + suffix + "/claim/" + e.Claim
}

// Nested reports whether the value lives inside a group object (under key
// Claim) rather than directly at Namespace().
func (e Entry) Nested() bool {
	return e.URI == "" && !e.TopLevel && e.Group != ""
}

// table maps a legacy parameter name, or "{name}.{messageType}" for
// message-type-specific overrides, to its entry. Immutable at run time.
var table = map[string]Entry{
	// Core launch parameters.
	"lti_message_type":         {Legacy: "lti_message_type", Claim: "message_type"},
	"lti_version":              {Legacy: "lti_version", Claim: "version"},
	"deployment_id":            {Legacy: "deployment_id", Claim: "deployment_id"},
	"target_link_uri":          {Legacy: "target_link_uri", Claim: "target_link_uri"},
	"roles":                    {Legacy: "roles", Claim: "roles", Coerce: CoerceArray},
	"role_scope_mentor":        {Legacy: "role_scope_mentor", Claim: "role_scope_mentor", Coerce: CoerceArray},
	"resource_link_id":         {Legacy: "resource_link_id", Group: "resource_link", Claim: "id"},
	"resource_link_title":      {Legacy: "resource_link_title", Group: "resource_link", Claim: "title"},
	"resource_link_description": {Legacy: "resource_link_description", Group: "resource_link", Claim: "description"},
	"context_id":               {Legacy: "context_id", Group: "context", Claim: "id"},
	"context_label":            {Legacy: "context_label", Group: "context", Claim: "label"},
	"context_title":            {Legacy: "context_title", Group: "context", Claim: "title"},
	"context_type":             {Legacy: "context_type", Group: "context", Claim: "type", Coerce: CoerceArray},

	// User identity: bare OIDC claims.
	"user_id":                         {Legacy: "user_id", Claim: "sub", TopLevel: true},
	"user_image":                      {Legacy: "user_image", Claim: "picture", TopLevel: true},
	"lis_person_name_given":           {Legacy: "lis_person_name_given", Claim: "given_name", TopLevel: true},
	"lis_person_name_family":          {Legacy: "lis_person_name_family", Claim: "family_name", TopLevel: true},
	"lis_person_name_middle":          {Legacy: "lis_person_name_middle", Claim: "middle_name", TopLevel: true},
	"lis_person_name_full":            {Legacy: "lis_person_name_full", Claim: "name", TopLevel: true},
	"lis_person_contact_email_primary": {Legacy: "lis_person_contact_email_primary", Claim: "email", TopLevel: true},

	// LIS course/person identifiers.
	"lis_person_sourcedid":          {Legacy: "lis_person_sourcedid", Group: "lis", Claim: "person_sourcedid"},
	"lis_course_offering_sourcedid": {Legacy: "lis_course_offering_sourcedid", Group: "lis", Claim: "course_offering_sourcedid"},
	"lis_course_section_sourcedid":  {Legacy: "lis_course_section_sourcedid", Group: "lis", Claim: "course_section_sourcedid"},

	// Launch presentation.
	"launch_presentation_document_target": {Legacy: "launch_presentation_document_target", Group: "launch_presentation", Claim: "document_target"},
	"launch_presentation_height":          {Legacy: "launch_presentation_height", Group: "launch_presentation", Claim: "height", Coerce: CoerceInteger},
	"launch_presentation_width":           {Legacy: "launch_presentation_width", Group: "launch_presentation", Claim: "width", Coerce: CoerceInteger},
	"launch_presentation_locale":          {Legacy: "launch_presentation_locale", Group: "launch_presentation", Claim: "locale"},
	"launch_presentation_return_url":      {Legacy: "launch_presentation_return_url", Group: "launch_presentation", Claim: "return_url"},
	"launch_presentation_css_url":         {Legacy: "launch_presentation_css_url", Group: "launch_presentation", Claim: "css_url"},

	// Platform description ("tool consumer" in 1.1 terms).
	"tool_consumer_info_product_family_code": {Legacy: "tool_consumer_info_product_family_code", Group: "tool_platform", Claim: "product_family_code"},
	"tool_consumer_info_version":             {Legacy: "tool_consumer_info_version", Group: "tool_platform", Claim: "version"},
	"tool_consumer_instance_guid":            {Legacy: "tool_consumer_instance_guid", Group: "tool_platform", Claim: "guid"},
	"tool_consumer_instance_name":            {Legacy: "tool_consumer_instance_name", Group: "tool_platform", Claim: "name"},
	"tool_consumer_instance_description":     {Legacy: "tool_consumer_instance_description", Group: "tool_platform", Claim: "description"},
	"tool_consumer_instance_url":             {Legacy: "tool_consumer_instance_url", Group: "tool_platform", Claim: "url"},
	"tool_consumer_instance_contact_email":   {Legacy: "tool_consumer_instance_contact_email", Group: "tool_platform", Claim: "contact_email"},
	"tool_consumer_instance_settings":        {Legacy: "tool_consumer_instance_settings", Group: "tool_platform", Claim: "settings", Coerce: CoerceObject},

	// Deep linking (LtiDeepLinkingRequest settings).
	"accept_types":                         {Legacy: "accept_types", Suffix: "dl", Group: "deep_linking_settings", Claim: "accept_types", Coerce: CoerceArray},
	"accept_media_types":                   {Legacy: "accept_media_types", Suffix: "dl", Group: "deep_linking_settings", Claim: "accept_media_types", Coerce: CoerceArray},
	"accept_presentation_document_targets": {Legacy: "accept_presentation_document_targets", Suffix: "dl", Group: "deep_linking_settings", Claim: "accept_presentation_document_targets", Coerce: CoerceArray},
	"accept_multiple":                      {Legacy: "accept_multiple", Suffix: "dl", Group: "deep_linking_settings", Claim: "accept_multiple", Coerce: CoerceBoolean},
	"accept_unsigned":                      {Legacy: "accept_unsigned", Suffix: "dl", Group: "deep_linking_settings", Claim: "accept_unsigned", Coerce: CoerceBoolean},
	"accept_copy_advice":                   {Legacy: "accept_copy_advice", Suffix: "dl", Group: "deep_linking_settings", Claim: "accept_copy_advice", Coerce: CoerceBoolean},
	"auto_create":                          {Legacy: "auto_create", Suffix: "dl", Group: "deep_linking_settings", Claim: "auto_create", Coerce: CoerceBoolean},
	"content_item_return_url":              {Legacy: "content_item_return_url", Suffix: "dl", Group: "deep_linking_settings", Claim: "deep_link_return_url"},
	"title":                                {Legacy: "title", Suffix: "dl", Group: "deep_linking_settings", Claim: "title"},
	"text":                                 {Legacy: "text", Suffix: "dl", Group: "deep_linking_settings", Claim: "text"},
	"data":                                 {Legacy: "data", Suffix: "dl", Group: "deep_linking_settings", Claim: "data"},

	// Deep linking response: the same names move to flat lti-dl claims.
	"data.LtiDeepLinkingResponse":  {Legacy: "data", Suffix: "dl", Claim: "data"},
	"content_items":                {Legacy: "content_items", Suffix: "dl", Claim: "content_items", Coerce: CoerceContentItems},
	"lti_msg":                      {Legacy: "lti_msg", Suffix: "dl", Claim: "msg"},
	"lti_errormsg":                 {Legacy: "lti_errormsg", Suffix: "dl", Claim: "errormsg"},
	"lti_log":                      {Legacy: "lti_log", Suffix: "dl", Claim: "log"},
	"lti_errorlog":                 {Legacy: "lti_errorlog", Suffix: "dl", Claim: "errorlog"},

	// Submission review.
	"for_user_id": {Legacy: "for_user_id", Group: "for_user", Claim: "user_id"},

	// Basic outcomes (LTI 1.1 grade passback identifiers).
	"lis_outcome_service_url": {Legacy: "lis_outcome_service_url", Suffix: "bo", Group: "basicoutcome", Claim: "lis_outcome_service_url"},
	"lis_result_sourcedid":    {Legacy: "lis_result_sourcedid", Suffix: "bo", Group: "basicoutcome", Claim: "lis_result_sourcedid"},

	// Assignment & grade services endpoint advertisement.
	"custom_lineitems_url": {Legacy: "custom_lineitems_url", Suffix: "ags", Group: "endpoint", Claim: "lineitems"},
	"custom_lineitem_url":  {Legacy: "custom_lineitem_url", Suffix: "ags", Group: "endpoint", Claim: "lineitem"},
	"custom_ags_scopes":    {Legacy: "custom_ags_scopes", Suffix: "ags", Group: "endpoint", Claim: "scope", Coerce: CoerceArray},

	// Names & role provisioning service advertisement.
	"custom_context_memberships_url": {Legacy: "custom_context_memberships_url", Suffix: "nrps", Group: "namesroleservice", Claim: "context_memberships_url"},
	"custom_nrps_versions":           {Legacy: "custom_nrps_versions", Suffix: "nrps", Group: "namesroleservice", Claim: "service_versions", Coerce: CoerceArray},

	// Vendor extension carried as its own top-level claim.
	"ext_placement": {Legacy: "ext_placement", URI: PlacementClaim},
}

// Lookup resolves the entry for a legacy parameter name, preferring a
// message-type-specific override ("{name}.{messageType}") when one exists.
func Lookup(legacy, messageType string) (Entry, bool) {
	if messageType != "" {
		if e, ok := table[legacy+"."+messageType]; ok {
			return e, true
		}
	}
	e, ok := table[legacy]
	return e, ok
}

// Entries returns the effective rows for a message type: the generic table
// with overrides for that type applied. The returned slice is a copy.
func Entries(messageType string) []Entry {
	out := make([]Entry, 0, len(table))
	for key, e := range table {
		if strings.Contains(key, ".") {
			continue // override rows surface via Lookup
		}
		eff, _ := Lookup(e.Legacy, messageType)
		out = append(out, eff)
	}
	return out
}
