package main

import (
	"careline/backend/internal/auth"
	"careline/backend/internal/config"
	"careline/backend/internal/logger"
	"careline/backend/internal/models"
	"careline/backend/internal/storage"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

const usage = `Usage: admin <command> [args]

Commands:
  profile <account_id> <user|doctor> <name>   create or update a profile
  token <account_id>                          print a signed token for the profile
  reconcile                                   clear dangling chat references
  chat-log <chat_id>                          print a chat and its messages
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.Environment, "warn")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	storageSvc, err := storage.Open(ctx, cfg, zl)
	if err != nil {
		log.Fatalf("failed to connect storage: %v", err)
	}
	defer storageSvc.Close()

	issuer := auth.NewIssuer(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
	if err := runCommand(ctx, os.Stdout, storageSvc, issuer, os.Args[1:]); err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func runCommand(ctx context.Context, out io.Writer, s storage.Storage, issuer *auth.Issuer, args []string) error {
	switch args[0] {
	case "profile":
		if len(args) != 4 {
			return fmt.Errorf("usage: admin profile <account_id> <user|doctor> <name>")
		}
		p := &models.UserProfile{ID: args[1], Role: models.Role(args[2]), Name: args[3]}
		if err := s.SaveProfile(ctx, p); err != nil {
			return err
		}
		fmt.Fprintf(out, "Profile %s saved as %s.\n", p.ID, p.Role)
	case "token":
		if len(args) != 2 {
			return fmt.Errorf("usage: admin token <account_id>")
		}
		p, err := s.GetProfile(ctx, args[1])
		if err != nil {
			return err
		}
		token, err := issuer.Sign(auth.Identity{AccountID: p.ID, Role: p.Role})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
	case "reconcile":
		healed, err := s.ReconcileDanglingChats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Cleared %d dangling chat reference(s).\n", len(healed))
		for _, id := range healed {
			fmt.Fprintf(out, "  %s\n", id)
		}
	case "chat-log":
		if len(args) != 2 {
			return fmt.Errorf("usage: admin chat-log <chat_id>")
		}
		return printChatLog(ctx, out, s, args[1])
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
	return nil
}

func printChatLog(ctx context.Context, out io.Writer, s storage.Storage, chatID string) error {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	msgs, err := s.ListMessages(ctx, chatID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Chat %s: user %s, doctor %s, opened %s\n",
		chat.ID, chat.UserID, chat.DoctorID, chat.CreatedAt.Format(time.RFC3339))
	for _, m := range msgs {
		fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), m.SenderID, m.Text)
	}
	if chat.Ended() {
		fmt.Fprintf(out, "Ended by %s\n", *chat.EndedBy)
	}
	return nil
}
