//go:build wispdev

package wtorerr

// DevBuild is true when the module is built with the wispdev tag. No
// package in this module reads it: circuit.Circuit.transition ignores an
// illegal transition in this build exactly as in a default build.
const DevBuild = true
