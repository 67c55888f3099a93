/*
Package jmx builds and parses invocations of the external managed-bean query
agent. The monitor never speaks the managed-bean protocol itself: a query jar
runs inside a per-target proxy container and returns JSON, which this package
decodes into the built-in stat set plus user-defined metrics. Value
conversions are a closed named registry referenced from configuration.
*/
package jmx
