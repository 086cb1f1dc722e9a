// Package process runs external commands under explicit timeouts.
//
// The Runner interface is the only way the updater shells out, so services
// that drive docker, shell scripts or probes can be tested with fakes.
package process
