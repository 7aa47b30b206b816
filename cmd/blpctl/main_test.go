package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := rootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// fields maps the first column of each output line to its last column.
func fields(out string) map[string]string {
	m := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) >= 2 {
			m[f[0]] = f[len(f)-1]
		}
	}
	return m
}

func TestQuoteProfitableClose(t *testing.T) {
	out, err := run(t, "quote", "--long", "--size", "10", "--collateral", "1", "--entry", "100", "--exit", "110")
	require.NoError(t, err)

	got := fields(out)
	assert.Equal(t, "normal", got["mode"])
	assert.Equal(t, "1.000000", got["pnl"])
	assert.Equal(t, "0.011000", got["total_fees"])
	assert.Equal(t, "0.003300", got["fee_to_treasury"])
	assert.Equal(t, "0.007700", got["fee_to_blp"])
	assert.Equal(t, "0.996700", got["escrow_to_user"])
	assert.Equal(t, "0.992300", got["pool_to_user"])
}

func TestQuotePartialShortWithAccrual(t *testing.T) {
	out, err := run(t, "quote",
		"--size", "10", "--collateral", "1", "--entry", "100", "--exit", "100",
		"--close-size", "5", "--funding=-0.01", "--borrow=-0.005")
	require.NoError(t, err)

	got := fields(out)
	assert.Equal(t, "0.500000", got["collateral_closed"])
	assert.Equal(t, "-0.010000", got["funding"])
	assert.Equal(t, "0.485000", got["equity"])
}

func TestQuoteRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want error
	}{
		{"missing size", []string{"--collateral", "1", "--entry", "100", "--exit", "110"}, errMissingFlag},
		{"too many decimals", []string{"--size", "0.0000001", "--collateral", "1", "--entry", "100", "--exit", "110"}, domain.ErrInvalidInput},
		{"negative collateral", []string{"--size", "1", "--collateral=-1", "--entry", "100", "--exit", "110"}, domain.ErrInvalidInput},
		{"oversized close", []string{"--size", "1", "--collateral", "1", "--entry", "100", "--exit", "110", "--close-size", "2"}, domain.ErrInvalidInput},
		{"unknown mode", []string{"--size", "1", "--collateral", "1", "--entry", "100", "--exit", "110", "--mode", "panic"}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, append([]string{"quote"}, tt.args...)...)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLiquidatable(t *testing.T) {
	out, err := run(t, "liquidatable", "--long", "--size", "10", "--collateral", "1", "--entry", "100", "--price", "94")
	require.NoError(t, err)
	assert.Equal(t, "liquidatable=true unrealized_pnl=-0.600000 threshold_bps=500\n", out)

	out, err = run(t, "liquidatable", "--long", "--size", "10", "--collateral", "1", "--entry", "100", "--price", "94", "--threshold-bps", "300")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "liquidatable=false"))
}

func TestHashKey(t *testing.T) {
	out, err := run(t, "hash-key", "--cost", "4", "s3cret")
	require.NoError(t, err)
	hash, ok := strings.CutPrefix(strings.TrimSpace(out), "api_key_hash=")
	require.True(t, ok)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	out, err = run(t, "hash-key", "--cost", "4")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	key := strings.TrimPrefix(lines[0], "api_key=")
	assert.Len(t, key, 64)
	hash = strings.TrimPrefix(lines[1], "api_key_hash=")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)))
}

func TestMigrateMissingConfig(t *testing.T) {
	_, err := run(t, "migrate", "--config", filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestArchivesRejectsUnknownKind(t *testing.T) {
	_, err := run(t, "archives", "positions")
	assert.ErrorContains(t, err, "invalid argument")
}

func TestPrintArchives(t *testing.T) {
	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)
	at := time.Date(2026, 10, 1, 0, 5, 0, 0, time.UTC)
	require.NoError(t, printArchives(c, []domain.BlobInfo{
		{Path: "archive/audit/2026-10-01/20261001T000000Z.jsonl", Size: 120, LastModified: at},
		{Path: "archive/settlements/2026-10-01/20261001T000000Z.jsonl", Size: 300, LastModified: at},
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"archive/audit/2026-10-01/20261001T000000Z.jsonl", "120", "2026-10-01T00:05:00Z"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"2", "files", "420"}, strings.Fields(lines[2]))
}

func TestParseAmount(t *testing.T) {
	v, err := parseAmount("1.5")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000), v)

	_, err = parseAmount("99999999999999999999")
	assert.ErrorIs(t, err, domain.ErrMathOverflow)

	s, err := parseSigned("-0.25")
	require.NoError(t, err)
	assert.Equal(t, int64(-250_000), s)
	assert.Equal(t, "-0.250000", formatSigned(s))
}
