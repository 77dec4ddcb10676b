// Package authz evaluates crossing requests against Rego policy through an
// embedded OPA instance. Decisions are advisory: they feed the authorization
// step of the crossing protocol, while the single-assignment authorization
// record itself stays with the crossing coordinator.
//
// The engine compiles its modules once at construction, prepares one query
// per entrypoint on demand, and memoizes decisions in a bounded LRU cache
// keyed by the semantic fields of the request and the boundary version it
// was evaluated against.
package authz
