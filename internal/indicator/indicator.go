// Package indicator computes technical indicators over ordered price slices.
//
// Every function is pure: no shared state, one allocation per result at most,
// so scheduler workers call them concurrently without locks.
package indicator
