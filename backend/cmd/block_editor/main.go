package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"blockcollab/backend/config"
	"blockcollab/backend/internal/auth"
	"blockcollab/backend/internal/engine"
	"blockcollab/backend/internal/gateway"
	"blockcollab/backend/internal/model"
)

const help = `commands:
  show                 print the document
  lock <n>             request the lock on block n
  unlock <n>           give the lock on block n back
  edit <n> <text>      replace the draft of block n
  discard <n>          drop the draft of block n
  add [n]              insert an empty block after block n (or at the end)
  del <n>              delete block n
  save [title]         commit drafts and release locks
  tags                 list [[...]] highlights
  editors              list users with the document open
  quit`

func tokenSource(cfg *config.Config) (gateway.TokenSource, error) {
	if cfg.Editor.Token != "" {
		return gateway.StaticToken(cfg.Editor.Token), nil
	}
	if cfg.Editor.User == "" {
		return gateway.StaticToken(""), nil
	}
	// development only: sign with the shared secret
	tok, _, err := auth.NewSigner(cfg.Auth.Secret, cfg.Auth.Issuer).
		SignAccessToken(cfg.Editor.User, cfg.Editor.Username, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}
	return gateway.StaticToken(tok), nil
}

func main() {
	configPath := flag.String("config", "", "path to the editor config file")
	create := flag.String("new", "", "create a document with this title and open it")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load("blockEditor")
	}
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	tokens, err := tokenSource(cfg)
	if err != nil {
		log.Fatalf("sign token failed: %v", err)
	}
	gw, err := gateway.New(gateway.Options{
		BaseURL:        cfg.Editor.BaseURL,
		Tokens:         tokens,
		ConnectTimeout: cfg.Editor.ConnectTimeout,
		ReadTimeout:    cfg.Editor.ReadTimeout,
	})
	if err != nil {
		log.Fatalf("create gateway failed: %v", err)
	}

	ctx := context.Background()
	docID := flag.Arg(0)
	if *create != "" {
		doc, err := gw.CreateDocument(ctx, model.Document{Title: *create, Category: "notes"})
		if err != nil {
			log.Fatalf("create document failed: %v", err)
		}
		docID = doc.ID
		fmt.Printf("created document %s\n", docID)
	}
	if docID == "" {
		fmt.Fprintln(os.Stderr, "usage: block_editor [-config file] [-new title | <document id>]")
		os.Exit(2)
	}

	sess, err := engine.Open(ctx, gw, engine.Config{DocID: docID, UserID: cfg.Editor.User})
	if err != nil {
		log.Fatalf("open document failed: %v", err)
	}
	defer sess.Close()

	go printEvents(sess)

	doc := sess.Document()
	fmt.Printf("%s [%s] as %s\n%s\n", doc.Title, doc.Category, cfg.Editor.User, help)

	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !in.Scan() {
			return
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if quit := run(ctx, gw, sess, line); quit {
			return
		}
	}
}

func printEvents(sess *engine.Session) {
	for {
		select {
		case <-sess.Done():
			return
		case e := <-sess.Events():
			switch e.Kind {
			case engine.EventLockGranted:
				fmt.Printf("\n[lock] %s until %s\n", e.BlockID, e.Lease.ExpiresAt.Local().Format(time.TimeOnly))
			case engine.EventCommitted:
				// save prints its own summary
			default:
				fmt.Printf("\n[%s] %s %v\n", e.Kind, e.BlockID, e.Err)
			}
		}
	}
}

// run executes one command line and reports whether to quit.
func run(ctx context.Context, gw *gateway.Client, sess *engine.Session, line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	view := sess.View()

	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		fmt.Println(help)
	case "show":
		printView(view)
	case "editors":
		users, err := gw.Editors(ctx, view.DocID)
		if err != nil {
			fmt.Println("list editors failed:", err)
			return false
		}
		fmt.Println("open by:", strings.Join(users, ", "))
	case "tags":
		for _, h := range sess.Highlights() {
			fmt.Printf("  %s  %s\n", h.BlockID, h.Text)
		}
	case "lock", "unlock", "discard", "del":
		b, err := pick(view, rest)
		if err != nil {
			fmt.Println(err)
			return false
		}
		switch cmd {
		case "lock":
			sess.Acquire(b.ID)
		case "unlock":
			sess.Release(b.ID)
		case "discard":
			sess.DiscardDraft(b.ID)
		case "del":
			if err := sess.Delete(ctx, b.ID); err != nil {
				fmt.Println("delete failed:", err)
			}
		}
	case "edit":
		arg, text, _ := strings.Cut(rest, " ")
		b, err := pick(view, arg)
		if err != nil {
			fmt.Println(err)
			return false
		}
		sess.SetDraft(b.ID, text)
	case "add":
		after := ""
		if rest != "" {
			b, err := pick(view, rest)
			if err != nil {
				fmt.Println(err)
				return false
			}
			after = b.ID
		}
		b, err := sess.AddAfter(ctx, after)
		if err != nil {
			fmt.Println("add failed:", err)
			return false
		}
		fmt.Printf("added block %s at %d\n", b.ID, b.Index)
	case "save":
		doc := sess.Document()
		title, category := doc.Title, doc.Category
		if rest != "" {
			title = rest
		}
		if category == "" {
			category = "notes"
		}
		rep, err := sess.CommitAll(ctx, &model.DocumentFields{DocID: doc.ID, Title: &title, Category: &category})
		if err != nil {
			fmt.Println("save failed:", err)
			return false
		}
		fmt.Println(rep.Summary())
		for _, f := range rep.Failures {
			fmt.Printf("  %s: %s (%v)\n", f.BlockID, f.Kind, f.Err)
		}
	default:
		fmt.Printf("unknown command %q, try help\n", cmd)
	}
	return false
}

// pick resolves a 1-based block number or a block id.
func pick(v engine.View, arg string) (engine.BlockView, error) {
	if arg == "" {
		return engine.BlockView{}, errors.New("block number required")
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(v.Blocks) {
			return engine.BlockView{}, fmt.Errorf("no block %d", n)
		}
		return v.Blocks[n-1], nil
	}
	if b, ok := v.Block(arg); ok {
		return b, nil
	}
	return engine.BlockView{}, fmt.Errorf("no block %q", arg)
}

func printView(v engine.View) {
	if v.Bootstrapping {
		fmt.Println("(creating first block...)")
	}
	for i, b := range v.Blocks {
		mark := " "
		if b.HasDraft {
			mark = "*"
		}
		fmt.Printf("%2d%s v%d [%s] %s\n", i+1, mark, b.Version, b.LockLabel(), b.DisplayText)
	}
	if len(v.Blocks) == 0 {
		fmt.Println("(empty)")
	}
}
