// Package router classifies inbound utterances into handling routes.
//
// A request moves through the stages
// RECEIVED -> EMBEDDED -> SCORED -> {DECIDED | AMBIGUOUS} -> RESPONDED.
//
// Routing first tries the deterministic override rules (CEL expressions over
// the request fields); a match decides the route without an embedding call.
// Otherwise the utterance is embedded, scored by cosine similarity against
// each route's exemplar centroids, and the raw scores are mapped through the
// active calibration config. A decision is only returned when the top
// calibrated confidence clears the configured minimum and beats the runner-up
// by at least the ambiguity epsilon; otherwise the outcome is AMBIGUOUS with
// both candidates and the caller must ask the user.
//
// Shadow mode scores the same request under the shadow calibration config
// and records the comparison without ever influencing the returned route.
// Staged rollout hashes the stable thread id so one user sees one router
// version for their whole session.
package router
