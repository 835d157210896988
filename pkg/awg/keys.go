package awg

import (
	"context"
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"awg-keeper/pkg/executor"
)

// KeyPair is a base64 encoded Curve25519 key pair.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// KeyGenerator produces fresh client key pairs.
type KeyGenerator interface {
	Generate(ctx context.Context) (KeyPair, error)
}

// DaemonKeys uses the daemon's own wg tool.
type DaemonKeys struct {
	Host Host
}

func (k *DaemonKeys) Generate(ctx context.Context) (KeyPair, error) {
	res := k.Host.Run(ctx, "wg genkey")
	if err := res.Err(); err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	priv := res.Stdout
	if err := ValidateKey(priv); err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	res = k.Host.Run(ctx, fmt.Sprintf("printf '%%s' %s | wg pubkey", executor.Quote(priv)))
	if err := res.Err(); err != nil {
		return KeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	if err := ValidateKey(res.Stdout); err != nil {
		return KeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	return KeyPair{PrivateKey: priv, PublicKey: res.Stdout}, nil
}

// LocalKeys generates keys in-process.
type LocalKeys struct{}

func (LocalKeys) Generate(_ context.Context) (KeyPair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	return KeyPair{PrivateKey: priv.String(), PublicKey: priv.PublicKey().String()}, nil
}

// ValidateKey checks that s is a base64 encoded 32 byte key.
func ValidateKey(s string) error {
	_, err := wgtypes.ParseKey(s)
	return err
}
