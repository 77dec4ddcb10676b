package authz

const (
	// DefaultEntrypoint is the decision path evaluated when neither the
	// engine options nor the input name one.
	DefaultEntrypoint = "perimetra/crossing/decision"

	// DefaultModuleName keys the built-in module inside EngineOptions.Modules.
	DefaultModuleName = "crossing.rego"
)

// DefaultModule is the built-in crossing policy. It admits requests that are
// waiting for authorization against an active boundary, with one carve-out:
// a control transfer into a critical boundary stays with a human authorizer.
const DefaultModule = `package perimetra.crossing

default allow := false

allow if {
	input.request.status == "authorization_pending"
	input.boundary.status == "active"
	not manual_review
}

manual_review if {
	input.boundary.classification == "critical"
	input.request.kind == "control_transfer"
}

default reason := "crossing denied by policy"

reason := "request is not awaiting authorization" if {
	input.request.status != "authorization_pending"
}

reason := "target boundary is not active" if {
	input.request.status == "authorization_pending"
	input.boundary.status != "active"
}

reason := "control transfer into a critical boundary requires a human authorizer" if {
	input.request.status == "authorization_pending"
	input.boundary.status == "active"
	manual_review
}

reason := "crossing admitted by policy" if {
	allow
}

decision := {"allow": allow, "reason": reason, "metadata": {"policy": "builtin-crossing"}}
`

// DefaultModules returns the module set an engine loads when no policy
// bundle is configured.
func DefaultModules() map[string]string {
	return map[string]string{DefaultModuleName: DefaultModule}
}
