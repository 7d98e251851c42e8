package bridge

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"marketbot/internal/models"
)

// ProxyKeys returns a user's proxy-wallet key. *evm.KeyStore satisfies it.
type ProxyKeys interface {
	Load(owner common.Address) (*ecdsa.PrivateKey, error)
}

// Keys picks signing keys and mint recipients per transfer direction. Deposits
// burn from the platform wallet and mint to it; withdrawals burn from the
// user's proxy wallet and mint to the user.
type Keys struct {
	Platform *ecdsa.PrivateKey
	Proxies  ProxyKeys
}

func (k Keys) PlatformAddress() common.Address {
	return crypto.PubkeyToAddress(k.Platform.PublicKey)
}

// Burn returns the key that signs the source-chain burn and the address the
// destination mint pays.
func (k Keys) Burn(record models.BridgeTransaction) (*ecdsa.PrivateKey, common.Address, error) {
	switch record.Direction {
	case models.DirectionDeposit:
		return k.Platform, k.PlatformAddress(), nil
	case models.DirectionWithdraw:
		if !common.IsHexAddress(record.UserAddress) {
			return nil, common.Address{}, fmt.Errorf("invalid user address %q", record.UserAddress)
		}
		user := common.HexToAddress(record.UserAddress)
		key, err := k.Proxies.Load(user)
		if err != nil {
			return nil, common.Address{}, fmt.Errorf("load proxy wallet key: %w", err)
		}
		return key, user, nil
	}
	return nil, common.Address{}, fmt.Errorf("unknown direction %q", record.Direction)
}

// Mint returns the key that relays attested messages.
func (k Keys) Mint() *ecdsa.PrivateKey {
	return k.Platform
}
