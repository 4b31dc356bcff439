// pdsd is a single-tenant AT Protocol Personal Data Server.
//
// It reads configuration from the process environment, opens
// account.sqlite, wires the blob store and repository engine, starts
// the background maintenance sweeper, and serves the XRPC surface over
// HTTP until SIGINT/SIGTERM.
//
// Usage:
//
//	./pdsd
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fenwick-pds/pds/internal/account"
	"github.com/fenwick-pds/pds/internal/auth"
	"github.com/fenwick-pds/pds/internal/blob"
	"github.com/fenwick-pds/pds/internal/config"
	"github.com/fenwick-pds/pds/internal/database"
	"github.com/fenwick-pds/pds/internal/events"
	"github.com/fenwick-pds/pds/internal/identity"
	"github.com/fenwick-pds/pds/internal/maintenance"
	"github.com/fenwick-pds/pds/internal/repo"
	"github.com/fenwick-pds/pds/internal/server"
)

const (
	sweepInterval  = 15 * time.Minute
	eventRetention = 7 * 24 * time.Hour
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("pdsd starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (hostname=%s data_dir=%s)", cfg.Hostname, cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	accountDB, err := database.OpenAccountDB(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open account database: %v", err)
	}
	defer accountDB.Close()
	log.Println("Account database opened")

	accounts := account.NewStore(accountDB)
	jwtMgr := auth.NewJWTManager(cfg.JWTSecret, cfg.ServiceDID)
	sessions := auth.NewSessionStore(accountDB, jwtMgr)
	appPasswords := auth.NewAppPasswordStore(accountDB)

	var backend blob.Backend
	switch cfg.BlobstoreBackend {
	case config.BlobstoreS3:
		backend = blob.NewS3Backend(blob.S3Config{
			Endpoint:  cfg.BlobstoreS3Endpoint,
			Region:    cfg.BlobstoreS3Region,
			Bucket:    cfg.BlobstoreS3Bucket,
			AccessKey: cfg.BlobstoreS3AccessKeyID,
			SecretKey: cfg.BlobstoreS3SecretKey,
		})
		log.Printf("Blob storage: s3 (bucket=%s)", cfg.BlobstoreS3Bucket)
	default:
		backend = blob.NewDiskBackend(cfg.DataDir + "/blobs")
		log.Println("Blob storage: disk")
	}
	blobMeta := blob.NewSQLiteMetadataStore(accountDB.Conn)
	blobs := blob.NewStore(backend, blobMeta)

	resolver := identity.NewResolver(accountDB, cfg.PLCEndpoint)

	sequencer := events.NewSequencer(accountDB)
	firehose := events.NewFirehose(sequencer)
	sequencer.SetBroadcaster(firehose)

	engine := repo.NewEngine(sequencer)

	sweeper := maintenance.New(accountDB, cfg.DataDir, blobs, engine, sweepInterval, eventRetention)
	go sweeper.Run(ctx)
	log.Println("Maintenance sweeper started")

	srv := server.New(server.Deps{
		Config:       cfg,
		AccountDB:    accountDB,
		Accounts:     accounts,
		Sessions:     sessions,
		AppPasswords: appPasswords,
		JWT:          jwtMgr,
		Engine:       engine,
		Blobs:        blobs,
		Resolver:     resolver,
		Sequencer:    sequencer,
		Firehose:     firehose,
	})

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("pdsd stopped")
}
