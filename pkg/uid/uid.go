// Package uid generates short opaque identifiers for formdepot entities.
//
// Every entity kind carries a one-character prefix so an identifier is
// self-describing: "c" for collections, "a" for assets, "v" for asset
// versions, "s" for snapshots. The remainder is the base62 form of a
// random UUID, left-padded to a fixed width so all identifiers are
// exactly Length characters long.
package uid

import (
	"math/big"

	"github.com/google/uuid"
)

// Length is the total length of every generated identifier, prefix included.
const Length = 22

// Entity prefixes.
const (
	PrefixCollection = "c"
	PrefixAsset      = "a"
	PrefixVersion    = "v"
	PrefixSnapshot   = "s"
)

// New returns a new identifier with the given one-character prefix.
func New(prefix string) string {
	u := uuid.New()
	var n big.Int
	n.SetBytes(u[:])
	body := n.Text(62)

	want := Length - len(prefix)
	if len(body) > want {
		body = body[:want]
	}
	for len(body) < want {
		body = "0" + body
	}
	return prefix + body
}
