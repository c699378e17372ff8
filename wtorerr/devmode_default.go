//go:build !wispdev

package wtorerr

// DevBuild is false in builds without the wispdev tag. No package in this
// module reads it.
const DevBuild = false
