// cmd/expertadm manages the expert and wallet registry the scheduler runs
// from. It writes straight to Redis; a running scheduler picks the changes
// up on its next poll.
//
// Usage:
//
//	expertadm wallet add --name main --nwc "nostr+walletconnect://..." --default
//	expertadm wallet list
//	expertadm wallet balance --id 1
//	expertadm expert add --nickname alice --wallet 1 --env SYSTEM_PROMPT="..." --env BID_SATS=10
//	expertadm expert list
//	expertadm expert disable <pubkey>
//	expertadm expert enable <pubkey>
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/envelope"
	"github.com/askmesh/askmesh/internal/lightning"
	"github.com/askmesh/askmesh/internal/relaypool"
	"github.com/askmesh/askmesh/internal/store"
)

const listPage = 500

var app = &cli.App{
	Name:  "expertadm",
	Usage: "manage the askmesh expert registry",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "redis",
			Value:   "localhost:6379",
			Usage:   "redis address",
			EnvVars: []string{"REDIS_ADDR"},
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "redis password",
			EnvVars: []string{"REDIS_PASSWORD"},
		},
	},
	Commands: []*cli.Command{
		{
			Name:  "expert",
			Usage: "manage expert rows",
			Subcommands: []*cli.Command{
				{
					Name:  "add",
					Usage: "register a hosted expert (generates a keypair unless --privkey is given)",
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "nickname", Required: true},
						&cli.Int64Flag{Name: "wallet", Usage: "wallet id the expert earns into", Required: true},
						&cli.StringFlag{Name: "type", Value: "openai"},
						&cli.StringFlag{Name: "privkey", Usage: "hex private key; empty generates one"},
						&cli.StringSliceFlag{Name: "env", Usage: "KEY=VALUE pairs, repeatable"},
						&cli.StringSliceFlag{Name: "docstore", Usage: "docstore ids, repeatable"},
					},
					Action: expertAdd,
				},
				{Name: "list", Usage: "list all expert rows", Action: expertList},
				{Name: "disable", Usage: "disable an expert by pubkey", ArgsUsage: "<pubkey>", Action: setDisabled(true)},
				{Name: "enable", Usage: "enable an expert by pubkey", ArgsUsage: "<pubkey>", Action: setDisabled(false)},
			},
		},
		{
			Name:  "wallet",
			Usage: "manage NWC wallets",
			Subcommands: []*cli.Command{
				{
					Name:  "add",
					Usage: "register a wallet connection",
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "name", Required: true},
						&cli.StringFlag{Name: "nwc", Usage: "nostr+walletconnect:// URI", Required: true},
						&cli.BoolFlag{Name: "default", Usage: "make this the default wallet"},
					},
					Action: walletAdd,
				},
				{Name: "list", Usage: "list wallets", Action: walletList},
				{
					Name:  "balance",
					Usage: "query a wallet balance over NWC",
					Flags: []cli.Flag{
						&cli.Int64Flag{Name: "id", Required: true},
					},
					Action: walletBalance,
				},
			},
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openStore(c *cli.Context) (*store.Store, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.String("redis"),
		Password: c.String("redis-password"),
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return store.New(rdb), ctx, cancel, nil
}

// ── Experts ────────────────────────────────────────────────────────────────

func expertAdd(c *cli.Context) error {
	st, ctx, cancel, err := openStore(c)
	if err != nil {
		return err
	}
	defer cancel()

	priv := c.String("privkey")
	var kp envelope.Keypair
	if priv == "" {
		kp, err = envelope.GenerateKeypair()
	} else {
		kp, err = envelope.KeypairFrom(priv)
	}
	if err != nil {
		return fmt.Errorf("keypair: %w", err)
	}

	env := map[string]string{}
	for _, pair := range c.StringSlice("env") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("bad --env value %q, want KEY=VALUE", pair)
		}
		env[k] = v
	}

	w, err := st.GetWallet(ctx, c.Int64("wallet"))
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("wallet %d not found", c.Int64("wallet"))
	}
	row := &store.Expert{
		Pubkey:    kp.Pub,
		Privkey:   kp.Priv,
		Nickname:  c.String("nickname"),
		WalletID:  c.Int64("wallet"),
		Type:      c.String("type"),
		Env:       env,
		Docstores: c.StringSlice("docstore"),
	}
	if err := st.SaveExpert(ctx, row); err != nil {
		return err
	}
	fmt.Printf("expert added\n")
	fmt.Printf("  pubkey:   %s\n", row.Pubkey)
	fmt.Printf("  nickname: %s\n", row.Nickname)
	fmt.Printf("  wallet:   %d\n", row.WalletID)
	return nil
}

func expertList(c *cli.Context) error {
	st, ctx, cancel, err := openStore(c)
	if err != nil {
		return err
	}
	defer cancel()

	var after int64
	n := 0
	for {
		page, err := st.ListExpertsAfter(ctx, after, listPage)
		if err != nil {
			return err
		}
		for _, row := range page {
			after = row.Timestamp
			state := "enabled"
			if row.Disabled {
				state = "disabled"
			}
			fmt.Printf("%-16s %s  wallet=%d type=%s %s\n",
				row.Nickname, row.Pubkey, row.WalletID, row.Type, state)
			n++
		}
		if int64(len(page)) < listPage {
			break
		}
	}
	fmt.Printf("%d experts\n", n)
	return nil
}

func setDisabled(disabled bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one pubkey argument")
		}
		st, ctx, cancel, err := openStore(c)
		if err != nil {
			return err
		}
		defer cancel()

		pubkey := c.Args().First()
		if err := st.SetExpertDisabled(ctx, pubkey, disabled); err != nil {
			return err
		}
		if disabled {
			fmt.Printf("expert %s disabled\n", pubkey)
		} else {
			fmt.Printf("expert %s enabled\n", pubkey)
		}
		return nil
	}
}

// ── Wallets ────────────────────────────────────────────────────────────────

func walletAdd(c *cli.Context) error {
	st, ctx, cancel, err := openStore(c)
	if err != nil {
		return err
	}
	defer cancel()

	nwc := c.String("nwc")
	if _, err := lightning.ParseNWC(nwc); err != nil {
		return err
	}
	w, err := st.CreateWallet(ctx, c.String("name"), nwc, c.Bool("default"))
	if err != nil {
		return err
	}
	fmt.Printf("wallet added\n")
	fmt.Printf("  id:      %d\n", w.ID)
	fmt.Printf("  name:    %s\n", w.Name)
	fmt.Printf("  default: %v\n", w.Default)
	return nil
}

func walletList(c *cli.Context) error {
	st, ctx, cancel, err := openStore(c)
	if err != nil {
		return err
	}
	defer cancel()

	wallets, err := st.ListWallets(ctx)
	if err != nil {
		return err
	}
	for _, w := range wallets {
		mark := " "
		if w.Default {
			mark = "*"
		}
		fmt.Printf("%s %-4d %-16s %s\n", mark, w.ID, w.Name, redactNWC(w.NWC))
	}
	fmt.Printf("%d wallets\n", len(wallets))
	return nil
}

func walletBalance(c *cli.Context) error {
	st, ctx, cancel, err := openStore(c)
	if err != nil {
		return err
	}
	defer cancel()

	w, err := st.GetWallet(ctx, c.Int64("id"))
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("wallet %d not found", c.Int64("id"))
	}

	pool := relaypool.NewPool(zap.NewNop())
	defer pool.Close()
	nwc, err := lightning.NewNWCClient(pool, w.NWC, zap.NewNop())
	if err != nil {
		return err
	}
	defer nwc.Close()

	msat, err := nwc.GetBalance(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("wallet:   %s (id %d)\n", w.Name, w.ID)
	fmt.Printf("balance:  %d sats\n", msat/1000)
	return nil
}

// redactNWC hides the secret half of a wallet connect URI.
func redactNWC(uri string) string {
	if i := strings.Index(uri, "secret="); i >= 0 {
		return uri[:i] + "secret=..."
	}
	return uri
}
