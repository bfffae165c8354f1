// Package reconciler schedules the periodic repair sweep over started
// execution contexts. The repair logic itself lives on the lifecycle
// controller; this package only drives it.
package reconciler
