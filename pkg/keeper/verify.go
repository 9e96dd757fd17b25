package keeper

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm/integrity/pkg/witness"
)

// VerifyKeeperSignature checks sig against the keys keeperID had active at
// the given instant, so historical signatures verify against the keys of
// their time rather than the current one. During a rotation overlap both the
// outgoing and the incoming key are accepted; the key that verified is
// returned, newest first.
func VerifyKeeperSignature(ctx context.Context, registry Registry, keeperID string, msg []byte, sig string, at time.Time) (*KeeperKey, error) {
	keys, err := registry.GetAllKeysForKeeper(ctx, keeperID)
	if err != nil {
		return nil, err
	}

	var tried []string
	for i := len(keys) - 1; i >= 0; i-- {
		k := keys[i]
		if !k.IsActiveAt(at) {
			continue
		}
		tried = append(tried, k.KeyID)
		ok, err := witness.VerifySignature(k.PublicKey, msg, sig)
		if err != nil {
			return nil, fmt.Errorf("%w: keeper %s: %v", ErrSignatureInvalid, keeperID, err)
		}
		if ok {
			return &k, nil
		}
	}
	if len(tried) == 0 {
		return nil, fmt.Errorf("%w: keeper %s at %s", ErrNoActiveKey, keeperID, at.UTC().Format(time.RFC3339))
	}
	return nil, fmt.Errorf("%w: keeper %s keys %v", ErrSignatureInvalid, keeperID, tried)
}
