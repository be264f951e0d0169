// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The msnpc command signs in to a notification server, synchronizes the
// contact list, and logs presence and conversation traffic. It exists to
// exercise the library against a live or simulated server.
package main

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"mellium.im/msnp"
	"mellium.im/msnp/abook"
	"mellium.im/msnp/addr"
	"mellium.im/msnp/cache"
	"mellium.im/msnp/contact"
	"mellium.im/msnp/multiparty"
	"mellium.im/msnp/mux"
	"mellium.im/msnp/switchboard"
)

func main() {
	configPath := flag.String("f", "msnpc.toml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "msnpc:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log.Debug)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	account, err := addr.Parse(cfg.Account.Name)
	if err != nil {
		return fmt.Errorf("parsing account %q: %w", cfg.Account.Name, err)
	}
	secret, err := base64.StdEncoding.DecodeString(cfg.Account.Secret)
	if err != nil {
		return fmt.Errorf("decoding account secret: %w", err)
	}

	var store cache.Store = &cache.Memory{}
	if cfg.Cache.Path != "" {
		db, err := cache.Open(cfg.Cache.Path)
		if err != nil {
			return fmt.Errorf("opening cache: %w", err)
		}
		defer db.Close()
		store = db
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	roster := contact.NewList()
	dirClient := newDirectoryClient(cfg.Directory.Membership, cfg.Directory.AddressBook, cfg.Directory.Storage)

	var session *msnp.Session
	svc := abook.New(abook.Config{
		Client:  dirClient,
		Storage: dirClient,
		Store:   store,
		Roster:  roster,
		Ticket:  func() string { return session.TicketToken() },
		Logger:  logger.Named("abook"),
	})
	svc.HandleOperationFailed = func(op string, err error) {
		logger.Warn("directory operation failed", zap.String("op", op), zap.Error(err))
	}

	dialer := &msnp.Dialer{}
	if cfg.Server.TLS {
		dialer.TLSConfig = &tls.Config{}
	}

	// The mux is assembled after the session exists; the handler closure
	// breaks the construction cycle between them.
	var routes *mux.ServeMux
	handler := msnp.HandlerFunc(func(cmd msnp.Command) error {
		return routes.HandleCommand(cmd)
	})

	session = msnp.NewSession(msnp.Config{
		Address: cfg.Server.Address,
		Account: account,
		Dialer:  dialer,
		Auth:    msnp.StaticAuthenticator(msnp.Ticket{Token: cfg.Account.Token, Secret: secret}),
		Sync:    svc,
		Roster:  roster,
		Handler: handler,
		Challenge: msnp.ChallengeKey{
			ID:  cfg.Challenge.ID,
			Key: cfg.Challenge.Key,
		},
		Logger: logger.Named("session"),
	})

	manager := switchboard.NewManager(switchboard.Config{
		Session: session,
		Dialer:  dialer,
		Logger:  logger.Named("switchboard"),
	})
	coordinator := multiparty.NewCoordinator(multiparty.Config{
		Session: session,
		Logger:  logger.Named("multiparty"),
	})
	routes = mux.New(
		switchboard.HandleManager(manager),
		multiparty.HandleCoordinator(coordinator),
	)

	manager.HandleConversation = func(c *switchboard.Conversation, remote bool) {
		c.HandleMessage = func(from *contact.Contact, m switchboard.Message) {
			logger.Info("message",
				zap.String("from", from.DisplayName()),
				zap.ByteString("body", m.Body),
			)
		}
		c.HandleJoin = func(c *contact.Contact) {
			logger.Info("participant joined", zap.String("account", c.Address().String()))
		}
		c.HandleLeave = func(c *contact.Contact) {
			logger.Info("participant left", zap.String("account", c.Address().String()))
		}
	}
	coordinator.HandleCreated = func(g *multiparty.Group, remote bool) {
		logger.Info("group chat", zap.String("name", g.Name()), zap.Bool("remote", remote))
	}

	session.HandleSignedIn = func() {
		logger.Info("signed in, publishing presence")
		if err := session.SetPresence(ctx, contact.StatusOnline, 0, 0); err != nil {
			logger.Warn("publishing presence", zap.Error(err))
		}
	}
	session.HandleSignedOff = func(reason msnp.SignedOffReason) {
		logger.Info("signed off", zap.String("reason", string(reason)))
	}
	session.HandlePresence = func(c *contact.Contact, prev contact.Status) {
		logger.Info("presence",
			zap.String("account", c.Address().String()),
			zap.String("status", string(c.Status())),
			zap.String("was", string(prev)),
		)
	}
	session.HandleError = func(err error) {
		logger.Warn("session error", zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		// Teardown leaves the manager's conversations via the closer
		// registered when it was created.
		if err := session.Close(context.Background()); err != nil {
			logger.Debug("closing session", zap.Error(err))
		}
	}()

	logger.Info("connecting", zap.String("address", cfg.Server.Address))
	return session.Connect(ctx)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
