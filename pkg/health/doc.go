// Package health turns a point-in-time Metrics snapshot into the named
// drift conditions the self_check drive surfaces as nudges.
package health
