// Package main is the operator CLI for the credential pool. Every mutation is written
// straight to the configured store.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/credential-pool/internal/app"
	"github.com/credential-pool/internal/config"
	"github.com/credential-pool/internal/types"
)

const usage = `usage: credctl <command> [flags]

commands:
  status    [-balance]                       show every credential
  add       -token T [-method social|idc] [-client-id ID -client-secret S] [-priority N] [-region R]
  remove    -id N
  enable    -id N
  disable   -id N
  priority  -id N -value P
  import    -file accounts.json              (- reads stdin)
  balance   -id N
  events    [-n 20]                          recent pool events (redis event sink only)`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		log.Fatal(usage)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Store.WriteThrough = true

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	if err := run(ctx, a, os.Args[1], os.Args[2:]); err != nil {
		a.Close()
		log.Fatal(err)
	}
}

func run(ctx context.Context, a *app.App, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	svc := a.Service

	switch cmd {
	case "status":
		withBalance := fs.Bool("balance", false, "query the balance of every enabled credential")
		_ = fs.Parse(args)
		return printStatus(ctx, a, *withBalance)

	case "add":
		var (
			token    = fs.String("token", "", "refresh token")
			method   = fs.String("method", "social", "auth method: social, idc")
			clientID = fs.String("client-id", "", "OIDC client id (idc)")
			secret   = fs.String("client-secret", "", "OIDC client secret (idc)")
			priority = fs.Uint("priority", 0, "priority, lower is preferred")
			region   = fs.String("region", "", "upstream region")
		)
		_ = fs.Parse(args)
		req := &types.AddCredentialRequest{
			RefreshToken: *token,
			AuthMethod:   *method,
			Priority:     uint32(*priority), // #nosec G115 - operator input
			Region:       *region,
		}
		if *clientID != "" {
			req.ClientID = clientID
		}
		if *secret != "" {
			req.ClientSecret = secret
		}
		id, err := svc.AddCredential(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(map[string]uint64{"id": id})

	case "remove", "enable", "disable":
		id := fs.Uint64("id", 0, "credential id")
		_ = fs.Parse(args)
		var err error
		switch cmd {
		case "remove":
			err = svc.RemoveCredential(ctx, *id)
		case "enable":
			err = svc.SetDisabled(ctx, *id, false)
		default:
			err = svc.SetDisabled(ctx, *id, true)
		}
		if err != nil {
			return err
		}
		return printStatus(ctx, a, false)

	case "priority":
		id := fs.Uint64("id", 0, "credential id")
		value := fs.Uint("value", 0, "new priority")
		_ = fs.Parse(args)
		if err := svc.SetPriority(ctx, *id, uint32(*value)); err != nil { // #nosec G115
			return err
		}
		return printStatus(ctx, a, false)

	case "import":
		file := fs.String("file", "-", "account export file, - for stdin")
		_ = fs.Parse(args)
		req, err := readImport(*file)
		if err != nil {
			return err
		}
		result, err := svc.ImportBatch(ctx, req)
		if result != nil {
			if perr := printJSON(result); perr != nil {
				return perr
			}
		}
		return err

	case "balance":
		id := fs.Uint64("id", 0, "credential id")
		_ = fs.Parse(args)
		balance, err := svc.QueryBalance(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(balance)

	case "events":
		n := fs.Int64("n", 20, "number of events")
		_ = fs.Parse(args)
		if a.Events == nil {
			return fmt.Errorf("events are only kept with EVENTS_SINK=redis")
		}
		events, err := a.Events.Recent(ctx, *n)
		if err != nil {
			return err
		}
		return printJSON(events)

	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

type statusWithBalance struct {
	*types.StatusReport
	Balances map[uint64]*types.Balance `json:"balances,omitempty"`
	Errors   map[uint64]string         `json:"balanceErrors,omitempty"`
}

func printStatus(ctx context.Context, a *app.App, withBalance bool) error {
	report := a.Service.ListStatus()
	if !withBalance {
		return printJSON(report)
	}

	out := statusWithBalance{
		StatusReport: report,
		Balances:     make(map[uint64]*types.Balance),
		Errors:       make(map[uint64]string),
	}
	for _, c := range report.Credentials {
		if c.Disabled {
			continue
		}
		balance, err := a.Service.QueryBalance(ctx, c.ID)
		if err != nil {
			out.Errors[c.ID] = err.Error()
			continue
		}
		out.Balances[c.ID] = balance
	}
	return printJSON(out)
}

// readImport accepts the full export object or a bare array of accounts
func readImport(path string) (*types.BatchImportRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path) // #nosec G304 - operator supplied path
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read import file: %w", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var accounts []types.ImportAccount
		if err := json.Unmarshal(data, &accounts); err != nil {
			return nil, fmt.Errorf("failed to parse accounts: %w", err)
		}
		return &types.BatchImportRequest{Accounts: accounts}, nil
	}

	var req types.BatchImportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse import file: %w", err)
	}
	return &req, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
