package hyperliquid

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Signature is the r/s/v triple the exchange expects.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

// actionHash is keccak256(msgpack(action) || nonce || vault flag). Struct
// field order defines the msgpack key order and must match the wire format.
func actionHash(action any, nonce uint64) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(action); err != nil {
		return nil, fmt.Errorf("msgpack action: %w", err)
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	buf.Write(n[:])
	buf.WriteByte(0x00) // no vault address
	return crypto.Keccak256(buf.Bytes()), nil
}

// agentTypedData wraps a connection id in the phantom agent message.
func agentTypedData(connectionID []byte, mainnet bool) apitypes.TypedData {
	source := "b"
	if mainnet {
		source = "a"
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(1337),
			VerifyingContract: zeroAddress,
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": connectionID,
		},
	}
}

// signingDigest returns the EIP-712 digest signed for an L1 action.
func signingDigest(action any, nonce uint64, mainnet bool) ([]byte, error) {
	hash, err := actionHash(action, nonce)
	if err != nil {
		return nil, err
	}
	digest, _, err := apitypes.TypedDataAndHash(agentTypedData(hash, mainnet))
	if err != nil {
		return nil, fmt.Errorf("eip712 hash: %w", err)
	}
	return digest, nil
}

// SignAction signs an exchange action with key.
func SignAction(key *ecdsa.PrivateKey, action any, nonce uint64, mainnet bool) (Signature, error) {
	digest, err := signingDigest(action, nonce, mainnet)
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return Signature{}, fmt.Errorf("sign: %w", err)
	}
	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}

// AddressOf returns the checksummed address controlled by key.
func AddressOf(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}
