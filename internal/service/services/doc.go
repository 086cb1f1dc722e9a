// Package services controls the managed container set of the appliance.
//
// Every process call goes through a process.Runner, so tests replace docker
// and compose with scripted fakes.
package services
