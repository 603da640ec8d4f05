// Package sentiment supplies keyword-matched sentiment hints that are passed
// to goal and action planning alongside the market snapshot.
package sentiment
