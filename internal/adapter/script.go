package adapter

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/txscript"

	"github.com/nameop-indexer/internal/logging"
	"github.com/nameop-indexer/internal/types"
)

// nameMarkers maps the leading opcode of a name script to its operation.
// name_new (OP_1) only commits to a hash and carries no name or value.
var nameMarkers = map[byte]string{
	txscript.OP_2:  "name_firstupdate",
	txscript.OP_3:  "name_update",
	txscript.OP_10: "name_doi",
}

// OutputScript is the closed set of output variants the indexer distinguishes
type OutputScript interface {
	outputScript()
}

// TransferScript is any output that is not a name operation
type TransferScript struct {
	Address string
	Value   float64
}

// NameScript is an output carrying a name operation
type NameScript struct {
	Op      string
	Name    string
	Value   string
	Address string
}

func (TransferScript) outputScript() {}
func (NameScript) outputScript()     {}

// DecodeOutput classifies out by the leading opcode of its script. Name and value come
// from the node's structured annotation, or from the script's data pushes when absent.
func DecodeOutput(out Vout) (OutputScript, error) {
	script, err := hex.DecodeString(out.ScriptPubKey.Hex)
	if err != nil {
		return nil, fmt.Errorf("output %d: invalid script hex: %w", out.N, err)
	}

	tokenizer := txscript.MakeScriptTokenizer(0, script)
	if !tokenizer.Next() {
		return TransferScript{Address: out.ScriptPubKey.PrimaryAddress(), Value: out.Value}, nil
	}

	op, isName := nameMarkers[tokenizer.Opcode()]
	if !isName {
		return TransferScript{Address: out.ScriptPubKey.PrimaryAddress(), Value: out.Value}, nil
	}

	ns := NameScript{Op: op, Address: out.ScriptPubKey.PrimaryAddress()}
	if ann := out.ScriptPubKey.NameOp; ann != nil && ann.Name != "" {
		ns.Name = ann.Name
		ns.Value = ann.Value
		return ns, nil
	}

	// <name> [<rand>] <value> OP_2DROP ...
	var pushes [][]byte
	for tokenizer.Next() {
		if tokenizer.Opcode() > txscript.OP_PUSHDATA4 {
			break
		}
		pushes = append(pushes, tokenizer.Data())
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("output %d: malformed name script: %w", out.N, err)
	}
	if len(pushes) < 2 {
		return nil, fmt.Errorf("output %d: name script has %d data pushes", out.N, len(pushes))
	}

	ns.Name = string(pushes[0])
	ns.Value = string(pushes[len(pushes)-1])
	return ns, nil
}

// ExtractNameOperations returns one NameOperation per name output of tx. Outputs that
// cannot be decoded are skipped.
func ExtractNameOperations(tx *VerboseTx, height int64) []types.NameOperation {
	var ops []types.NameOperation
	for _, out := range tx.Vout {
		decoded, err := DecodeOutput(out)
		if err != nil {
			logging.Component("block-processor").WithFields(map[string]interface{}{
				"txid":   tx.Txid,
				"height": height,
			}).WithError(err).Debug("Skipping undecodable output")
			continue
		}

		ns, ok := decoded.(NameScript)
		if !ok {
			continue
		}

		ops = append(ops, types.NameOperation{
			Txid:        tx.Txid,
			N:           out.N,
			BlockHeight: height,
			BlockTime:   blockTime(tx),
			BlockHash:   tx.BlockHash,
			NameID:      ns.Name,
			NameValue:   ns.Value,
			Address:     ns.Address,
			Value:       out.Value,
		})
	}
	return ops
}

func blockTime(tx *VerboseTx) int64 {
	if tx.BlockTime != 0 {
		return tx.BlockTime
	}
	return tx.Time
}
