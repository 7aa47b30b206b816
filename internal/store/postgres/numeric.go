package postgres

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// pgx encodes a plain uint64 argument as int64 and rejects values above
// MaxInt64, so unsigned amounts travel as decimals in both directions.

func num(v uint64) decimal.Decimal { return decimal.NewFromUint64(v) }

func numPtr(v *uint64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := num(*v)
	return &d
}

func toUint64(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() || !d.IsInteger() {
		return 0, fmt.Errorf("postgres: %s is not an unsigned integer", d)
	}
	b := d.BigInt()
	if !b.IsUint64() {
		return 0, fmt.Errorf("postgres: %s overflows uint64", d)
	}
	return b.Uint64(), nil
}

// u64 scans a NUMERIC column into a uint64.
type u64 struct{ dst *uint64 }

func (c *u64) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return err
	}
	v, err := toUint64(d)
	if err != nil {
		return err
	}
	*c.dst = v
	return nil
}

// optU64 scans a nullable NUMERIC column into a *uint64.
type optU64 struct{ dst **uint64 }

func (c *optU64) Scan(src any) error {
	if src == nil {
		*c.dst = nil
		return nil
	}
	var v uint64
	if err := (&u64{dst: &v}).Scan(src); err != nil {
		return err
	}
	*c.dst = &v
	return nil
}

// hash scans a BYTEA column into a common.Hash.
type hash struct{ dst *common.Hash }

func (c *hash) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("postgres: cannot scan %T into hash", src)
	}
	if len(b) != common.HashLength {
		return fmt.Errorf("postgres: hash column has %d bytes", len(b))
	}
	*c.dst = common.BytesToHash(b)
	return nil
}
