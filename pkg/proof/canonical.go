package proof

import "github.com/gowebpki/jcs"

// canonicalize applies RFC 8785 JSON canonicalization: lexicographically
// sorted keys, no insignificant whitespace, no HTML escaping.
func canonicalize(raw []byte) ([]byte, error) {
	return jcs.Transform(raw)
}
