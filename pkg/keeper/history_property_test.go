//go:build property
// +build property

package keeper_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm/integrity/pkg/keeper"
)

// TestKeyHistoryPreservation verifies that no sequence of rotations and
// revocations ever shrinks a keeper's key history.
// Property: |GetAllKeysForKeeper| == number of keys ever registered
func TestKeyHistoryPreservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("key history never shrinks", prop.ForAll(
		func(ops []int) bool {
			ctx := context.Background()
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			reg := keeper.NewMemoryRegistry()
			mgr := keeper.NewRotationManager(reg).WithClock(func() time.Time { return now })

			registered := 0
			current := ""
			for i, op := range ops {
				now = now.Add(time.Hour)
				switch op % 3 {
				case 0: // register + rotate onto the new key
					pub, _, _ := ed25519.GenerateKey(rand.Reader)
					id := fmt.Sprintf("k%d", i)
					if _, err := reg.RegisterKey(ctx, keeper.KeeperKey{KeeperID: "keeper", KeyID: id, PublicKey: pub, ActiveFrom: now}); err != nil {
						return false
					}
					registered++
					if current != "" {
						_, _ = mgr.BeginTransition(ctx, current, id, now.Add(24*time.Hour))
					}
					current = id
				case 1:
					if current != "" {
						_, _ = mgr.EmergencyRevokeKey(ctx, current, "drill", "ops")
					}
				case 2:
					if current != "" {
						_, _ = mgr.CompleteTransition(ctx, current)
					}
				}

				if registered == 0 {
					continue
				}
				all, err := reg.GetAllKeysForKeeper(ctx, "keeper")
				if err != nil || len(all) != registered {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
