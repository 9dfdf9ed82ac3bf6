package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/zerg-ai/zerg/internal/auth"
	"github.com/zerg-ai/zerg/internal/config"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/store"
)

// NewTokenCommand returns the token subcommand, which mints a JWT for
// local development. The owner is created if the email is new.
func NewTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint a development JWT for an owner",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "email",
				Usage: "Owner email",
				Value: "dev@localhost",
			},
			&cli.BoolFlag{
				Name:  "admin",
				Usage: "Grant the admin role on first creation",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime",
				Value: 24 * time.Hour,
			},
		},
		Action: runToken,
	}
}

func runToken(ctx context.Context, cmd *cli.Command) error {
	cfg := config.Load()
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	email := cmd.String("email")
	owner, err := st.GetOwnerByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		role := store.RoleUser
		if cmd.Bool("admin") {
			role = store.RoleAdmin
		}
		owner = &store.Owner{ID: ident.NewID(), Email: email, Role: role}
		if err := st.CreateOwner(ctx, owner); err != nil {
			return fmt.Errorf("create owner: %w", err)
		}
	} else if err != nil {
		return err
	}

	token, err := auth.NewTokens(cfg.JWTSecret).Mint(owner, cmd.Duration("ttl"))
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	fmt.Println(token)
	return nil
}
