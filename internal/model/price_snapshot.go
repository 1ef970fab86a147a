package model

import (
	"encoding/json"
)

// PriceSnapshot is one resolved asset price at a point in time, normalized
// for storage. Price is the raw fixed-point integer rendered as a decimal
// string so that values above 2^63 survive every JSON decoder.
type PriceSnapshot struct {
	ChainID      uint64 `json:"chain_id"`
	Asset        string `json:"asset"`
	Symbol       string `json:"symbol"`
	Price        string `json:"price"`
	Decimals     uint8  `json:"decimals"`
	Strategy     string `json:"strategy"`
	SourcesOK    int    `json:"sources_ok"`
	SourcesTotal int    `json:"sources_total"`
	BlockNumber  uint64 `json:"block_number"`
	Timestamp    uint64 `json:"timestamp"`
	ResolvedAt   string `json:"resolved_at"`
}

// MarshalJSON ensures PriceSnapshot is encoded with stable field names.
func (ps PriceSnapshot) MarshalJSON() ([]byte, error) {
	type Alias PriceSnapshot
	return json.Marshal(Alias(ps))
}

// UnmarshalJSON decodes a PriceSnapshot from JSON.
func (ps *PriceSnapshot) UnmarshalJSON(data []byte) error {
	type Alias PriceSnapshot
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*ps = PriceSnapshot(a)
	return nil
}
