package main

import "testing"

func TestBitcoinJobSourceDeserializeEncodesTimestampInJobIDHighBits(t *testing.T) {
	src := newBitcoinJobSource("btc")
	tpl := GetBlockTemplateResult{
		Bits:             "1d00ffff",
		Target:           "00000000ffff0000000000000000000000000000000000000000000000000000",
		CurTime:          1_700_000_000,
		Height:           850000,
		Previous:         "0000000000000000000aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		CoinbaseValue:    625000000,
		Transactions:     nil,
		DefaultWitnessCommitment: "",
	}
	raw, err := fastJSONMarshal(tpl)
	if err != nil {
		t.Fatalf("marshal template: %v", err)
	}

	job, err := src.Deserialize(raw)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if job.Height() != 850000 {
		t.Fatalf("height = %d, want 850000", job.Height())
	}
	if job.ChainID() != "btc" {
		t.Fatalf("chainID = %q, want btc", job.ChainID())
	}
	if job.ID()>>32 != uint64(uint32(1_700_000_000)) {
		t.Fatalf("jobId high bits = %d, want creation timestamp %d", job.ID()>>32, uint32(1_700_000_000))
	}
}

func TestBitcoinJobSourceRejectsBadBits(t *testing.T) {
	src := newBitcoinJobSource("btc")
	tpl := GetBlockTemplateResult{Bits: "not-hex", Previous: "00"}
	raw, _ := fastJSONMarshal(tpl)
	if _, err := src.Deserialize(raw); err == nil {
		t.Fatal("expected an error for invalid bits")
	}
}
