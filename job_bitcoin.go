package main

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// targetFromBits decodes a compact "nBits" difficulty target, adapted from
// rodb2008-M45-Core-goPool's job_hash.go helper of the same name.
func targetFromBits(bits string) (*big.Int, error) {
	b, err := hex.DecodeString(bits)
	if err != nil {
		return nil, fmt.Errorf("decode bits: %w", err)
	}
	if len(b) != 4 {
		return nil, fmt.Errorf("invalid bits length %d", len(b))
	}
	exp := b[0]
	mantissa := new(big.Int).SetBytes(b[1:])
	return new(big.Int).Lsh(mantissa, 8*uint(exp-3)), nil
}

// validateBits decodes bitsStr into a target and, when the template also
// supplies an explicit target, cross-checks the two agree — adapted from
// job_validate.go's function of the same name.
func validateBits(bitsStr, targetStr string) (*big.Int, error) {
	if len(bitsStr) != 8 {
		return nil, fmt.Errorf("bits must be 8 hex characters, got %d", len(bitsStr))
	}
	target, err := targetFromBits(bitsStr)
	if err != nil {
		return nil, err
	}
	if target.Sign() <= 0 {
		return nil, fmt.Errorf("bits produced non-positive target")
	}
	if targetStr == "" {
		return target, nil
	}
	tplTarget := new(big.Int)
	if _, ok := tplTarget.SetString(targetStr, 16); !ok {
		return nil, fmt.Errorf("invalid template target %s", targetStr)
	}
	if tplTarget.Sign() <= 0 {
		return nil, fmt.Errorf("template target non-positive")
	}
	if tplTarget.Cmp(target) != 0 {
		return nil, fmt.Errorf("bits target %s mismatches template target %s", target.Text(16), tplTarget.Text(16))
	}
	return target, nil
}

// GetBlockTemplateResult mirrors the BIP22/23 getblocktemplate fields this
// core's Bitcoin job variant needs; adapted from the teacher's job_types.go
// struct of the same name and purpose.
type GetBlockTemplateResult struct {
	Bits                     string           `json:"bits"`
	CurTime                  int64            `json:"curtime"`
	Height                   int64            `json:"height"`
	Mintime                  int64            `json:"mintime"`
	Target                   string           `json:"target"`
	Version                  int32            `json:"version"`
	Previous                 string           `json:"previousblockhash"`
	CoinbaseValue            int64            `json:"coinbasevalue"`
	DefaultWitnessCommitment string           `json:"default_witness_commitment"`
	LongPollID               string           `json:"longpollid"`
	Transactions             []GBTTransaction `json:"transactions"`
}

type GBTTransaction struct {
	Data string `json:"data"`
	Txid string `json:"txid"`
	Hash string `json:"hash"`
}

// bitcoinJob is the one shipped Job implementation (SPEC_FULL.md "Bitcoin
// job variant"): it adapts a getblocktemplate result into the Job interface
// the core requires, reusing the target-decoding logic of validateBits
// above. The core itself never inspects
// these fields — only ID/Time/Height/ChainID/Body — but they are retained on
// the struct so a session-layer implementation (out of this core's scope)
// has what it needs to build a stratum notify body and validate submitted
// shares against target.
type bitcoinJob struct {
	id       uint64
	chainID  string
	template GetBlockTemplateResult
	target   *big.Int
	prevHash chainhash.Hash
	body     []byte
}

func (j *bitcoinJob) ID() uint64      { return j.id }
func (j *bitcoinJob) Time() time.Time { return jobIDTime(j.id) }
func (j *bitcoinJob) Height() int64   { return j.template.Height }
func (j *bitcoinJob) ChainID() string { return j.chainID }
func (j *bitcoinJob) Body() []byte    { return j.body }

// bitcoinJobSource turns getblocktemplate-shaped JSON bytes read off the job
// bus into a bitcoinJob. One instance per configured Bitcoin-family chain.
type bitcoinJobSource struct {
	chainID string
	counter atomic.Uint32
}

func newBitcoinJobSource(chainID string) *bitcoinJobSource {
	return &bitcoinJobSource{chainID: chainID}
}

func (s *bitcoinJobSource) Deserialize(raw []byte) (Job, error) {
	var tpl GetBlockTemplateResult
	if err := fastJSONUnmarshal(raw, &tpl); err != nil {
		return nil, fmt.Errorf("decode getblocktemplate: %w", err)
	}

	target, err := validateBits(tpl.Bits, tpl.Target)
	if err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}

	prevHash, err := chainhash.NewHashFromStr(tpl.Previous)
	if err != nil {
		return nil, fmt.Errorf("decode previousblockhash: %w", err)
	}

	createdAt := time.Now()
	if tpl.CurTime > 0 {
		createdAt = time.Unix(tpl.CurTime, 0).UTC()
	}
	id := newJobID(createdAt, s.counter.Add(1))

	body, err := fastJSONMarshal(tpl)
	if err != nil {
		return nil, fmt.Errorf("re-encode job body: %w", err)
	}

	return &bitcoinJob{
		id:       id,
		chainID:  s.chainID,
		template: tpl,
		target:   target,
		prevHash: *prevHash,
		body:     body,
	}, nil
}
