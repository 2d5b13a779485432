package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/revocation"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/routing"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/store"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/trust"
)

type ctlDeps struct {
	openRedis func(ctx context.Context) (*redis.Client, error)
	now       func() time.Time
}

var defaultDeps = ctlDeps{
	openRedis: store.NewRedisFromEnv,
	now:       time.Now,
}

func newRootCmd(deps ctlDeps) *cobra.Command {
	root := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Operator tooling for the MCP gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTrustCmd(deps), newRevokeCmd(deps), newDomainsCmd())
	return root
}

func secretFlag(cmd *cobra.Command, secret *string) {
	cmd.Flags().StringVar(secret, "secret", "", "shared trust secret (default $MCP_INTERNAL_SECRET)")
}

func resolveSecret(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv("MCP_INTERNAL_SECRET")
}

func newTrustCmd(deps ctlDeps) *cobra.Command {
	trustCmd := &cobra.Command{
		Use:   "trust",
		Short: "Mint and verify gateway-to-domain trust tokens",
	}

	var (
		mintSecret string
		userID     string
		roles      []string
	)
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a trust token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := trust.MintAt(resolveSecret(mintSecret), userID, roles, deps.now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	secretFlag(mint, &mintSecret)
	mint.Flags().StringVar(&userID, "user", "", "user id to embed")
	mint.Flags().StringSliceVar(&roles, "roles", nil, "comma separated roles")
	_ = mint.MarkFlagRequired("user")

	var (
		verifySecret string
		window       time.Duration
	)
	verify := &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a trust token and print the identity it carries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := trust.ValidateAt(resolveSecret(verifySecret), args[0], window, deps.now())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"userId":   p.UserID,
				"roles":    p.Roles,
				"issuedAt": p.IssuedAt.UTC().Format(time.RFC3339),
			})
		},
	}
	secretFlag(verify, &verifySecret)
	verify.Flags().DurationVar(&window, "window", trust.DefaultReplayWindow, "accepted token age")

	trustCmd.AddCommand(mint, verify)
	return trustCmd
}

func newRevokeCmd(deps ctlDeps) *cobra.Command {
	var (
		key       string
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "revoke <jti>",
		Short: "Revoke a bearer token by its jti across every gateway instance",
		Long: `Adds the jti to the shared revocation set. Gateways pick it up on their
next refresh. The entry is dropped once --expires-in has passed, which should
cover the token's remaining lifetime.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jti := strings.TrimSpace(args[0])
			if jti == "" {
				return errors.New("jti must not be blank")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			client, err := deps.openRedis(ctx)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			defer client.Close()

			expiresAt := deps.now().Add(expiresIn)
			if err := revocation.NewRedisSource(client, key).Revoke(ctx, jti, expiresAt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s until %s\n", jti, expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", revocation.DefaultKey, "redis key of the revocation set")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 24*time.Hour, "how long the revocation is kept")
	return cmd
}

func newDomainsCmd() *cobra.Command {
	domainsCmd := &cobra.Command{
		Use:   "domains",
		Short: "Inspect the domain registry",
	}
	var (
		file  string
		spec  string
		roles []string
	)
	check := &cobra.Command{
		Use:   "check",
		Short: "Show which domains a role set may query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				list []routing.DomainConfig
				err  error
			)
			switch {
			case file != "":
				list, err = routing.LoadFile(file)
			case spec != "":
				list, err = routing.ParseSpec(spec)
			default:
				return errors.New("one of --file or --spec is required")
			}
			if err != nil {
				return err
			}
			d := routing.NewRouter(list).AccessibleDomains(roles)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "accessible: %s\n", strings.Join(d.AccessibleNames(), ","))
			fmt.Fprintf(out, "denied: %s\n", strings.Join(d.DeniedNames(), ","))
			return nil
		},
	}
	check.Flags().StringVar(&file, "file", os.Getenv("DOMAINS_FILE"), "YAML domain registry")
	check.Flags().StringVar(&spec, "spec", os.Getenv("DOMAINS"), "inline registry name=url|role,role;...")
	check.Flags().StringSliceVar(&roles, "roles", nil, "roles to evaluate")
	domainsCmd.AddCommand(check)
	return domainsCmd
}
