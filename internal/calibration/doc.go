// Package calibration manages per-route confidence thresholds.
//
// Thresholds are produced offline by the Calibrator from a labeled corpus
// and stored as immutable, monotonically versioned Config objects. The
// router only ever consumes the config through Store.Current(), which is an
// atomic in-memory snapshot refreshed in the background: a reload is an
// atomic swap, never an in-place mutation. Producing a config never
// activates it; activation is an explicit Store.Activate call.
//
// When no config can be loaded the store degrades to conservative builtin
// thresholds that bias the router toward AMBIGUOUS over a wrong guess.
package calibration
