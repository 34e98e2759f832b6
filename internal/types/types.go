// Package types holds the chain-derived value types passed between the indexer's components.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ContentScheme prefixes a name value that references content in the content store
const ContentScheme = "ipfs://"

// NamespaceDelimiter separates the namespace from the rest of a name id
const NamespaceDelimiter = "/"

// DateLayout is the UTC calendar-day key used for daily records
const DateLayout = "2006-01-02"

// NameOperation is a key/value registry entry decoded from a confirmed transaction output.
// It is comparable: two operations are duplicates exactly when they are ==.
type NameOperation struct {
	Txid        string  `json:"txid"`
	N           uint32  `json:"n"`
	BlockHeight int64   `json:"blockHeight"`
	BlockTime   int64   `json:"blockTime"`
	BlockHash   string  `json:"blockHash,omitempty"`
	NameID      string  `json:"nameId"`
	NameValue   string  `json:"nameValue"`
	Address     string  `json:"address"`
	Value       float64 `json:"value"`
}

// Key returns the identity of the operation, txid:n
func (op NameOperation) Key() string {
	return fmt.Sprintf("%s:%d", op.Txid, op.N)
}

// ContentReference returns the content id when the name value uses the content scheme.
// Only the first path segment after the scheme is the id.
func (op NameOperation) ContentReference() (string, bool) {
	return ParseContentReference(op.NameValue)
}

// Namespace returns the part of the name id before the delimiter, or "" if there is none
func (op NameOperation) Namespace() string {
	ns, _, found := strings.Cut(op.NameID, NamespaceDelimiter)
	if !found {
		return ""
	}
	return ns
}

// Date returns the UTC calendar day of the operation's block
func (op NameOperation) Date() string {
	return time.Unix(op.BlockTime, 0).UTC().Format(DateLayout)
}

// ParseContentReference extracts the content id from a value such as ipfs://<cid>/meta.json
func ParseContentReference(value string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(value), ContentScheme)
	if !ok {
		return "", false
	}
	cid, _, _ := strings.Cut(rest, "/")
	if cid == "" {
		return "", false
	}
	return cid, true
}

// Tip is the highest known block of the source chain
type Tip struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
}

// BlockRef identifies one block
type BlockRef struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
	Time   int64  `json:"time"`
}
