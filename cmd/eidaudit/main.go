package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/phnx-im/eid/internal/storage/sqlite"
	"github.com/phnx-im/eid/pkg/audit"
	"github.com/phnx-im/eid/pkg/backend"
	"github.com/phnx-im/eid/pkg/checkpoint"
	"github.com/phnx-im/eid/pkg/eid"
	"github.com/phnx-im/eid/pkg/server"
)

func main() {
	basePath := getEnv("DATA_PATH", "./data")

	levelStr := getEnv("LOG_LEVEL", "info")
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	pub, priv, err := loadKeys()
	if err != nil {
		logger.Error("failed to load keys", "error", err)
		os.Exit(1)
	}

	originPrefix := getEnv("EID_AUDIT_ORIGIN", "eid-audit")
	signer, err := checkpoint.NewEd25519Signer(priv, originPrefix)
	if err != nil {
		logger.Error("failed to create checkpoint signer", "error", err)
		os.Exit(1)
	}

	cacheSize, err := strconv.Atoi(getEnv("EID_STORE_CACHE_SIZE", strconv.Itoa(sqlite.DefaultCacheSize)))
	if err != nil {
		logger.Error("invalid EID_STORE_CACHE_SIZE", "error", err)
		os.Exit(1)
	}
	storeManager, err := sqlite.NewStoreManager(basePath, cacheSize, logger)
	if err != nil {
		logger.Error("failed to create store manager", "error", err)
		os.Exit(1)
	}
	defer storeManager.CloseAll()

	auditor, err := audit.New(audit.Config{
		Stores:       storeManager,
		Backend:      backend.New(backend.WithLogger(logger)),
		Signer:       signer,
		OriginPrefix: originPrefix,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to create auditor", "error", err)
		os.Exit(1)
	}

	// Verify every stored transcript before serving.
	groups, err := storeManager.Groups()
	if err != nil {
		logger.Error("failed to list transcripts", "error", err)
		os.Exit(1)
	}
	ids := make([]eid.GroupID, len(groups))
	for i, g := range groups {
		ids[i] = eid.GroupID(g)
	}
	if err := auditor.RestoreAll(context.Background(), ids); err != nil {
		logger.Error("failed to restore transcripts", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	server.NewHTTPHandler(auditor, server.WithLogger(logger)).Register(mux)

	port := getEnv("PORT", "8080")
	addr := ":" + port

	fmt.Println("EID Audit Service Startup")
	fmt.Println("===================================")
	fmt.Printf("Checkpoint Origin Prefix: %s\n", originPrefix)
	fmt.Printf("Checkpoint Key (hex): %s\n", hex.EncodeToString(pub))
	if os.Getenv("EID_AUDIT_PRIVATE_KEY") != "" {
		fmt.Println("Key Source: EID_AUDIT_PRIVATE_KEY environment variable")
	} else {
		fmt.Println("Key Source: Ephemeral (generated on startup)")
	}
	fmt.Printf("Data Path: %s\n", basePath)
	fmt.Printf("Restored Transcripts: %d\n", len(ids))
	fmt.Println()
	fmt.Println("Audit API:")
	fmt.Printf("  POST http://localhost:%s/groups\n", port)
	fmt.Printf("  POST http://localhost:%s/groups/{groupID}/evolvements\n", port)
	fmt.Printf("  GET  http://localhost:%s/groups/{groupID}/members\n", port)
	fmt.Printf("  GET  http://localhost:%s/groups/{groupID}/log\n", port)
	fmt.Printf("  GET  http://localhost:%s/groups/{groupID}/checkpoint\n", port)
	fmt.Printf("  GET  http://localhost:%s/evolvements/{cid}\n", port)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loadKeys loads the checkpoint key from EID_AUDIT_PRIVATE_KEY or generates
// an ephemeral one.
func loadKeys() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if privKeyEnv := os.Getenv("EID_AUDIT_PRIVATE_KEY"); privKeyEnv != "" {
		priv, err := base64.StdEncoding.DecodeString(privKeyEnv)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decode EID_AUDIT_PRIVATE_KEY: %w", err)
		}
		if len(priv) != ed25519.PrivateKeySize {
			return nil, nil, fmt.Errorf("EID_AUDIT_PRIVATE_KEY must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
		}
		privKey := ed25519.PrivateKey(priv)
		return privKey.Public().(ed25519.PublicKey), privKey, nil
	}

	return ed25519.GenerateKey(nil)
}
