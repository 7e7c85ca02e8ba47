package hyperliquid

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

func recoverAddress(t *testing.T, digest []byte, sig Signature) string {
	t.Helper()
	r, err := hexutil.Decode(sig.R)
	if err != nil {
		t.Fatalf("decode r: %v", err)
	}
	s, err := hexutil.Decode(sig.S)
	if err != nil {
		t.Fatalf("decode s: %v", err)
	}
	raw := append(append(r, s...), sig.V-27)
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex()
}

func TestSignActionRecoversSigner(t *testing.T) {
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	action := cancelAction{Type: "cancel", Cancels: []cancelWire{{Asset: 0, Oid: 123}}}

	for _, mainnet := range []bool{true, false} {
		sig, err := SignAction(key, action, 1700000000000, mainnet)
		if err != nil {
			t.Fatalf("SignAction: %v", err)
		}
		if sig.V != 27 && sig.V != 28 {
			t.Fatalf("v = %d", sig.V)
		}
		digest, _ := signingDigest(action, 1700000000000, mainnet)
		if got := recoverAddress(t, digest, sig); got != AddressOf(key) {
			t.Fatalf("mainnet=%v: recovered %s, want %s", mainnet, got, AddressOf(key))
		}
	}
}

func TestSigningDigestDependsOnInputs(t *testing.T) {
	action := cancelAction{Type: "cancel", Cancels: []cancelWire{{Asset: 0, Oid: 1}}}
	base, _ := signingDigest(action, 1, true)
	testnet, _ := signingDigest(action, 1, false)
	nonce, _ := signingDigest(action, 2, true)
	other, _ := signingDigest(cancelAction{Type: "cancel", Cancels: []cancelWire{{Asset: 0, Oid: 2}}}, 1, true)

	for name, d := range map[string][]byte{"testnet": testnet, "nonce": nonce, "action": other} {
		if bytes.Equal(base, d) {
			t.Errorf("digest unchanged when %s differs", name)
		}
	}
}

func TestActionMsgpackKeyOrder(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(updateLeverageAction{Type: "updateLeverage", Asset: 3, IsCross: true, Leverage: 5}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	b := buf.Bytes()
	// fixmap of 4 entries, first key "type".
	if b[0] != 0x84 || !bytes.HasPrefix(b[1:], append([]byte{0xa4}, "type"...)) {
		t.Fatalf("unexpected header % x", b[:8])
	}
	// compact ints: asset 3 is a single positive fixint byte after the key.
	idx := bytes.Index(b, append([]byte{0xa5}, "asset"...))
	if idx < 0 || b[idx+6] != 0x03 {
		t.Fatalf("asset not encoded compactly: % x", b)
	}
}

func TestDecimalWire(t *testing.T) {
	tests := map[string]string{
		"2020":         "2020",
		"0.50000":      "0.5",
		"1.123456789":  "1.12345679",
		"-0.000000001": "0",
	}
	for in, want := range tests {
		if got := decimalWire(decimal.RequireFromString(in)); got != want {
			t.Errorf("decimalWire(%s) = %s, want %s", in, got, want)
		}
	}
}
