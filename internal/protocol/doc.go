// Package protocol holds the stateless transcoders between protocol-neutral
// search options/results and the wire commands and lines of each engine
// family. Parsers never perform I/O; the adapter owns the channel.
package protocol
