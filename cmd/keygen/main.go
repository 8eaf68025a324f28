// Command keygen mints batches of inactive license keys directly
// against the license database, for distribution to customers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"viraldesk/internal/license"
	"viraldesk/internal/store"
)

func main() {
	var (
		dbPath   = flag.String("db", "data/licenses.db", "path to the license database")
		count    = flag.Int("count", 1, "number of keys to mint")
		months   = flag.Int("months", 0, "validity in months (0 uses the server default at activation)")
		issuerID = flag.String("issuer", "", "issuer identifier recorded on each key")
		price    = flag.Float64("price", 0, "price recorded on each key (0 omits)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	licenseStore, err := store.Open(*dbPath)
	if err != nil {
		logger.Error("failed to open license store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer licenseStore.Close()

	opts := license.MintOptions{
		Count:          *count,
		ValidityMonths: *months,
		IssuerID:       *issuerID,
	}
	if *price > 0 {
		opts.Price = price
	}

	keygen := license.NewKeyGenerator(licenseStore, logger)
	minted, err := keygen.Mint(context.Background(), opts)
	for _, rec := range minted {
		fmt.Println(rec.LicenseKey)
	}
	if err != nil {
		logger.Error("minting failed", slog.String("error", err.Error()),
			slog.Int("minted", len(minted)))
		os.Exit(1)
	}
}
