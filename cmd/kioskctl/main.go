// Command kioskctl manages the accounts of operators and admins.
//
//	kioskctl create --username alice --password secret --kiosks gare
//	kioskctl create --username boss --password secret --admin --kiosks gare,nord
//	kioskctl list
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/victornm/happymeter/internal/account"
	"github.com/victornm/happymeter/internal/config"
	"github.com/victornm/happymeter/internal/database"
	"github.com/victornm/happymeter/internal/server"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "kioskctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kioskctl <create|list> [flags]")
	}

	fs := pflag.NewFlagSet("kioskctl "+args[0], pflag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_PATH"), "path of the server config file")
	dataDir := fs.String("data-dir", "", "data directory of the file backend, overrides the config")

	switch args[0] {
	case "create":
		var (
			username = fs.String("username", "", "login name")
			password = fs.String("password", "", "plain text password, stored hashed")
			admin    = fs.Bool("admin", false, "create an admin account")
			kiosks   = fs.StringSlice("kiosks", nil, "assigned kiosks, exactly one for an operator")
		)
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}

		svc, closeFn, err := openAccounts(ctx, *configPath, *dataDir)
		if err != nil {
			return err
		}
		defer closeFn()

		a, err := svc.Create(ctx, account.CreateRequest{
			Username: *username,
			Password: *password,
			IsAdmin:  *admin,
			Kiosks:   *kiosks,
		})
		if err != nil {
			return err
		}

		fmt.Printf("created account %d %q (admin=%t, kiosks=%s)\n", a.ID, a.Username, a.IsAdmin, strings.Join(a.AssignedKiosks, ","))
		return nil

	case "list":
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}

		svc, closeFn, err := openAccounts(ctx, *configPath, *dataDir)
		if err != nil {
			return err
		}
		defer closeFn()

		accounts, err := svc.List(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSERNAME\tADMIN\tKIOSKS")
		for _, a := range accounts {
			fmt.Fprintf(w, "%d\t%s\t%t\t%s\n", a.ID, a.Username, a.IsAdmin, strings.Join(a.AssignedKiosks, ","))
		}
		return w.Flush()

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// openAccounts opens the account store the server would use with the same config.
func openAccounts(ctx context.Context, configPath, dataDir string) (*account.Service, func(), error) {
	c := server.DefaultConfig()
	if configPath != "" {
		if err := config.Load(configPath, &c); err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
	}
	if dataDir != "" {
		c.Storage.Dir = dataDir
	}

	switch c.Storage.Backend {
	case server.BackendPostgres:
		db, err := database.Connect(ctx, c.Postgres.Addr, c.Postgres.User, c.Postgres.Pass, c.Postgres.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := database.CreateSchema(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}

		return account.NewService(account.Config{Store: account.NewPostgresStore(db)}), db.Close, nil

	default:
		store := account.NewFileStore(afero.NewOsFs(), filepath.Join(c.Storage.Dir, "users.json"))
		return account.NewService(account.Config{Store: store}), func() {}, nil
	}
}
