package plan

import (
	"encoding/hex"

	"github.com/goliatone/go-orchestration/codec"
	"github.com/zeebo/blake3"
)

// document is the serialized form of a plan, used both for fingerprints
// and for the plan store.
type document struct {
	UUID           string     `cbor:"uuid"`
	StartingNodeID string     `cbor:"starting_node_id"`
	Nodes          []PlanNode `cbor:"nodes"`
}

func (p *Plan) document() document {
	return document{
		UUID:           p.UUID(),
		StartingNodeID: p.StartingNodeID(),
		Nodes:          p.Nodes(),
	}
}

func (d document) build() (*Plan, error) {
	return NewBuilder().UUID(d.UUID).StartingNodeID(d.StartingNodeID).Nodes(d.Nodes...).Build()
}

// Fingerprint returns a hex blake3 digest of the canonical plan encoding.
// Plans with identical content share a fingerprint.
func (p *Plan) Fingerprint() (string, error) {
	data, err := codec.Canonical(p.document())
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
