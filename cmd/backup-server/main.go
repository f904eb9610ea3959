// Command backup-server runs the reference backup server: the datastore
// gRPC service over a badger chunk store.
//
// Clients authenticate with HS256 bearer tokens signed by the secret in
// the environment variable named by --secret-env. --issue-token prints a
// token for a user and exits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/valvemist/pbsbridge/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen     string
		dir        string
		inMemory   bool
		secretEnv  string
		certFile   string
		keyFile    string
		sessionTTL time.Duration
		issueFor   string
		datastores []string
		validity   time.Duration
		verbose    bool
	)
	flags := pflag.NewFlagSet("backup-server", pflag.ContinueOnError)
	flags.StringVar(&listen, "listen", ":8007", "address to listen on")
	flags.StringVar(&dir, "dir", "/var/lib/pbsbridge", "badger directory")
	flags.BoolVar(&inMemory, "in-memory", false, "keep everything in memory")
	flags.StringVar(&secretEnv, "secret-env", "PBS_SERVER_SECRET", "environment variable holding the token secret; unset disables authentication")
	flags.StringVar(&certFile, "tls-cert", "", "TLS certificate file")
	flags.StringVar(&keyFile, "tls-key", "", "TLS key file")
	flags.DurationVar(&sessionTTL, "session-ttl", server.DefaultSessionTTL, "idle writer sessions expire after this")
	flags.StringVar(&issueFor, "issue-token", "", "print a token for this user and exit")
	flags.StringSliceVar(&datastores, "datastore", nil, "datastore the issued token grants, repeatable (default: all)")
	flags.DurationVar(&validity, "validity", 365*24*time.Hour, "lifetime of the issued token")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var secret []byte
	if v := os.Getenv(secretEnv); v != "" {
		secret = []byte(v)
	}
	if issueFor != "" {
		if secret == nil {
			return fmt.Errorf("%s is not set", secretEnv)
		}
		token, err := server.IssueToken(secret, issueFor, datastores, validity)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}
	if secret == nil {
		logger.Warn("authentication disabled", "env", secretEnv)
	}

	store, err := server.OpenStore(server.StoreOptions{Dir: dir, InMemory: inMemory, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()
	srv, err := server.New(server.Options{Store: store, Secret: secret, SessionTTL: sessionTTL, Logger: logger})
	if err != nil {
		return err
	}
	defer srv.Close()

	var extra []grpc.ServerOption
	if certFile != "" || keyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("loading TLS key pair: %w", err)
		}
		extra = append(extra, grpc.Creds(creds))
	}
	g := srv.NewGRPCServer(extra...)

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		g.GracefulStop()
	}()
	logger.Info("serving", "address", lis.Addr().String(), "tls", certFile != "")
	if err := g.Serve(lis); err != nil {
		return err
	}
	stats := srv.Stats()
	logger.Info("stopped", "chunkUploads", stats.ChunkUploads, "chunksStored", stats.ChunksStored)
	return nil
}
