// Package governance provides runtime safety controls for the boundary
// crossing data path, currently token-bucket rate limiting keyed per
// boundary.
//
// The rate_limiting control kind consults these buckets when deciding
// whether a crossing may proceed; limits are configured per boundary and can
// be reloaded without dropping accumulated bucket state.
package governance
