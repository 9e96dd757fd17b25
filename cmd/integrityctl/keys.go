package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/integrity/pkg/config"
	"github.com/Mindburn-Labs/helm/integrity/pkg/integrity"
	"github.com/Mindburn-Labs/helm/integrity/pkg/keeper"
)

func newKeysCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage keeper signing keys",
	}
	cmd.AddCommand(
		newKeysRegisterCmd(g),
		newKeysRotateCmd(g),
		newKeysCompleteCmd(g),
		newKeysRevokeCmd(g),
		newKeysListCmd(g),
	)
	return cmd
}

func parseOptionalTime(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", flag, err)
	}
	return t, nil
}

func newKeysRegisterCmd(g *globals) *cobra.Command {
	var keeperID, keyID, publicKey, activeFrom string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a keeper public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for name, v := range map[string]string{"keeper": keeperID, "key-id": keyID, "public-key": publicKey} {
				if err := requireFlag(name, v); err != nil {
					return err
				}
			}
			pub, err := base64.StdEncoding.DecodeString(publicKey)
			if err != nil {
				return fmt.Errorf("--public-key: %w", err)
			}
			from, err := parseOptionalTime("active-from", activeFrom)
			if err != nil {
				return err
			}
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				k, err := svc.RegisterKey(cmd.Context(), keeper.KeeperKey{
					KeeperID:   keeperID,
					KeyID:      keyID,
					PublicKey:  ed25519.PublicKey(pub),
					ActiveFrom: from,
				})
				if err != nil {
					return err
				}
				return g.print(k)
			})
		},
	}
	cmd.Flags().StringVar(&keeperID, "keeper", "", "Keeper id")
	cmd.Flags().StringVar(&keyID, "key-id", "", "Key id")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "Base64 Ed25519 public key")
	cmd.Flags().StringVar(&activeFrom, "active-from", "", "RFC3339 activation time (default now)")
	return cmd
}

func newKeysRotateCmd(g *globals) *cobra.Command {
	var oldKeyID, newKeyID, endsAt string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Begin an overlapping rotation from one key to another",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("old", oldKeyID); err != nil {
				return err
			}
			if err := requireFlag("new", newKeyID); err != nil {
				return err
			}
			end, err := parseOptionalTime("ends-at", endsAt)
			if err != nil {
				return err
			}
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				tr, err := svc.BeginRotation(cmd.Context(), oldKeyID, newKeyID, end)
				if err != nil {
					return err
				}
				return g.print(tr)
			})
		},
	}
	cmd.Flags().StringVar(&oldKeyID, "old", "", "Outgoing key id")
	cmd.Flags().StringVar(&newKeyID, "new", "", "Incoming key id (already registered)")
	cmd.Flags().StringVar(&endsAt, "ends-at", "", "RFC3339 end of the overlap (default now plus the configured window)")
	return cmd
}

func newKeysCompleteCmd(g *globals) *cobra.Command {
	var oldKeyID string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete a rotation whose overlap window has elapsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("old", oldKeyID); err != nil {
				return err
			}
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				tr, err := svc.CompleteRotation(cmd.Context(), oldKeyID)
				if err != nil {
					return err
				}
				return g.print(tr)
			})
		},
	}
	cmd.Flags().StringVar(&oldKeyID, "old", "", "Outgoing key id")
	return cmd
}

func newKeysRevokeCmd(g *globals) *cobra.Command {
	var keyID, reason, by string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Emergency-revoke a key with immediate effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("key-id", keyID); err != nil {
				return err
			}
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				rev, err := svc.RevokeKey(cmd.Context(), keyID, reason, by)
				if err != nil {
					return err
				}
				return g.print(rev)
			})
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "Key id")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the key is revoked")
	cmd.Flags().StringVar(&by, "by", "", "Who revokes the key")
	return cmd
}

type keyListing struct {
	Keys      []keeper.KeeperKey  `json:"keys"`
	Rotations []keeper.Transition `json:"active_rotations"`
}

func newKeysListCmd(g *globals) *cobra.Command {
	var keeperID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keeper keys and active rotations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				ctx := cmd.Context()
				ids := []string{keeperID}
				if keeperID == "" {
					all, err := svc.Keepers(ctx)
					if err != nil {
						return err
					}
					ids = all
				}
				out := keyListing{Keys: []keeper.KeeperKey{}}
				for _, id := range ids {
					keys, err := svc.KeeperKeys(ctx, id)
					if err != nil {
						return err
					}
					out.Keys = append(out.Keys, keys...)
				}
				rot, err := svc.ActiveRotations(ctx)
				if err != nil {
					return err
				}
				out.Rotations = rot
				return g.print(out)
			})
		},
	}
	cmd.Flags().StringVar(&keeperID, "keeper", "", "Only this keeper")
	return cmd
}
