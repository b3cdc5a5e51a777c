package domain

import "regexp"

// nodeIDPattern matches the OPC UA node id forms this bridge accepts:
// ns=<uint>;s=<string> or ns=<uint>;i=<uint>.
var nodeIDPattern = regexp.MustCompile(`^ns=\d+;[si]=.+$`)

// ValidNodeID reports whether id has the accepted ns=<uint>;[si]=<id> shape.
func ValidNodeID(id string) bool {
	return nodeIDPattern.MatchString(id)
}
